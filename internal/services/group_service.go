package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kixikila/backend/internal/audit"
	"github.com/kixikila/backend/internal/models"
	"github.com/spf13/viper"
)

// GroupService is the rotating cycle engine. It owns group membership order,
// generates the payment cycle sequence, tracks per-cycle contribution
// progress and pays the beneficiary through the ledger when a cycle
// completes.
type GroupService struct {
	db        *sql.DB
	ledger    *LedgerService
	pins      *PinService
	notifier  *Notifier
	validator *ValidationHelper
	audit     *audit.Logger

	maxGroupsPerUser int
}

func NewGroupService(db *sql.DB, ledger *LedgerService, pins *PinService, notifier *Notifier) *GroupService {
	viper.SetDefault("groups.max_per_user", 10)

	return &GroupService{
		db:               db,
		ledger:           ledger,
		pins:             pins,
		notifier:         notifier,
		validator:        NewValidationHelper(),
		audit:            audit.NewLogger(),
		maxGroupsPerUser: viper.GetInt("groups.max_per_user"),
	}
}

func groupIDFromRequest(r *http.Request) (int, error) {
	id, err := strconv.Atoi(pathParam(r, "groupID"))
	if err != nil || id <= 0 {
		return 0, ErrValidation("invalid group id")
	}
	return id, nil
}

// lockGroup loads the group row under an exclusive lock. All membership and
// cycle mutations for a group serialize on this lock.
func (s *GroupService) lockGroup(tx *sql.Tx, groupID int) (*models.Group, error) {
	g := &models.Group{ID: groupID}
	err := tx.QueryRow(`
		SELECT name, admin_id, cycle_value, frequency, max_participants, current_participants, payout_day, status
		FROM groups
		WHERE id = $1
		FOR UPDATE`, groupID).Scan(
		&g.Name, &g.AdminID, &g.CycleValue, &g.Frequency, &g.MaxParticipants,
		&g.CurrentParticipants, &g.PayoutDay, &g.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("group not found")
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GroupService) cyclesExistTx(tx *sql.Tx, groupID int) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM payment_cycles WHERE group_id = $1`, groupID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type CreateGroupRequest struct {
	Name            string `json:"name" validate:"required,min=3,max=100"`
	CycleValue      int64  `json:"cycleValue" validate:"required,gt=0"`
	Frequency       string `json:"frequency" validate:"required,oneof=DAILY WEEKLY MONTHLY"`
	MaxParticipants int    `json:"maxParticipants" validate:"required,gte=2,lte=50"`
	PayoutDay       *int   `json:"payoutDay" validate:"omitempty,gte=1,lte=28"`
}

// CreateGroup creates a group with the caller as its immutable admin and
// first member at position 1.
// @Summary Create a savings group
// @Tags groups
// @Accept json
// @Produce json
// @Param request body CreateGroupRequest true "Group definition"
// @Success 201 {object} models.Group
// @Router /groups [post]
func (s *GroupService) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateGroupRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.PayoutDay != nil && req.Frequency != models.FrequencyMonthly {
		WriteAppError(w, ErrValidation("payoutDay only applies to monthly groups"))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	if err := s.checkMembershipCapTx(tx, userID); err != nil {
		WriteAppError(w, err)
		return
	}

	now := time.Now()
	group := &models.Group{
		Name:                req.Name,
		AdminID:             userID,
		CycleValue:          req.CycleValue,
		Frequency:           req.Frequency,
		MaxParticipants:     req.MaxParticipants,
		CurrentParticipants: 1,
		PayoutDay:           req.PayoutDay,
		Status:              models.GroupStatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = tx.QueryRow(`
		INSERT INTO groups
		(name, admin_id, cycle_value, frequency, max_participants, current_participants, payout_day, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		group.Name, group.AdminID, group.CycleValue, group.Frequency, group.MaxParticipants,
		group.CurrentParticipants, group.PayoutDay, group.Status, now, now).Scan(&group.ID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	_, err = tx.Exec(`
		INSERT INTO group_members (group_id, user_id, position, status, joined_at)
		VALUES ($1, $2, 1, $3, $4)`,
		group.ID, userID, models.MemberStatusActive, now)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	if err := tx.Commit(); err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	log.Printf("[GROUP] Group %d (%s) created by user %d", group.ID, group.Name, userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(group)
}

func (s *GroupService) checkMembershipCapTx(tx *sql.Tx, userID int) error {
	var active int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM group_members WHERE user_id = $1 AND status = $2`,
		userID, models.MemberStatusActive).Scan(&active)
	if err != nil {
		return err
	}
	if active >= s.maxGroupsPerUser {
		return ErrConflict("active group membership limit reached")
	}
	return nil
}

// JoinGroup adds the caller to a joinable group at the next position. The
// group transitions to FULL, and its cycles are generated, when capacity is
// reached.
// @Summary Join a savings group
// @Tags groups
// @Produce json
// @Param groupID path int true "Group ID"
// @Success 200 {object} models.GroupMember
// @Router /groups/{groupID}/join [post]
func (s *GroupService) JoinGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	group, err := s.lockGroup(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if group.Status != models.GroupStatusActive {
		WriteAppError(w, ErrConflict("group is not accepting members"))
		return
	}
	if group.CurrentParticipants >= group.MaxParticipants {
		WriteAppError(w, ErrConflict("group is full"))
		return
	}

	generated, err := s.cyclesExistTx(tx, groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	if generated {
		WriteAppError(w, ErrConflict("cycles already generated"))
		return
	}

	var existing int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM group_members
		WHERE group_id = $1 AND user_id = $2 AND status = $3`,
		groupID, userID, models.MemberStatusActive).Scan(&existing)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	if existing > 0 {
		WriteAppError(w, ErrConflict("already a member of this group"))
		return
	}

	if err := s.checkMembershipCapTx(tx, userID); err != nil {
		WriteAppError(w, err)
		return
	}

	member := &models.GroupMember{
		GroupID:  groupID,
		UserID:   userID,
		Status:   models.MemberStatusActive,
		JoinedAt: time.Now(),
	}
	err = tx.QueryRow(`
		INSERT INTO group_members (group_id, user_id, position, status, joined_at)
		SELECT $1, $2, COALESCE(MAX(position), 0) + 1, $3, $4
		FROM group_members WHERE group_id = $1
		RETURNING id, position`,
		groupID, userID, models.MemberStatusActive, member.JoinedAt).Scan(&member.ID, &member.Position)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	group.CurrentParticipants++
	newStatus := group.Status
	if group.CurrentParticipants == group.MaxParticipants {
		newStatus = models.GroupStatusFull
	}

	_, err = tx.Exec(`
		UPDATE groups SET current_participants = $1, status = $2, updated_at = $3 WHERE id = $4`,
		group.CurrentParticipants, newStatus, time.Now(), groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	group.Status = newStatus

	if group.Status == models.GroupStatusFull {
		if err := s.generateCyclesTx(tx, group); err != nil {
			WriteAppError(w, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	s.notifier.Publish(EventMemberJoined, map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"position": member.Position,
	})
	if group.Status == models.GroupStatusFull {
		s.notifier.Publish(EventCyclesGenerated, map[string]any{
			"group_id": groupID,
			"cycles":   group.CurrentParticipants,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(member)
}

type SetFirstBeneficiaryRequest struct {
	UserID int `json:"userId" validate:"required,gt=0"`
}

// SetFirstBeneficiary lets the admin pin who collects first. Only possible
// before cycles exist; the chosen member moves to position 1 with the others
// shifted behind in their previous order, then the cycle sequence is
// generated immediately.
// @Summary Pin the first beneficiary
// @Tags groups
// @Accept json
// @Produce json
// @Param groupID path int true "Group ID"
// @Param request body SetFirstBeneficiaryRequest true "Chosen member"
// @Success 200 {object} map[string]bool
// @Router /groups/{groupID}/first-beneficiary [post]
func (s *GroupService) SetFirstBeneficiary(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	var req SetFirstBeneficiaryRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	group, err := s.lockGroup(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if group.AdminID != userID {
		WriteAppError(w, ErrConflict("only the group admin may set the first beneficiary"))
		return
	}
	if group.Status != models.GroupStatusActive && group.Status != models.GroupStatusFull {
		WriteAppError(w, ErrConflict("group is not active"))
		return
	}

	generated, err := s.cyclesExistTx(tx, groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	if generated {
		WriteAppError(w, ErrConflict("cycles already generated"))
		return
	}

	members, err := s.activeMembersTx(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if len(members) < 2 {
		WriteAppError(w, ErrConflict("group needs at least two active members"))
		return
	}

	chosen := -1
	for i, m := range members {
		if m.UserID == req.UserID {
			chosen = i
			break
		}
	}
	if chosen == -1 {
		WriteAppError(w, ErrNotFound("member not found in group"))
		return
	}

	reordered := append([]models.GroupMember{members[chosen]}, append(append([]models.GroupMember{}, members[:chosen]...), members[chosen+1:]...)...)
	for i := range reordered {
		reordered[i].Position = i + 1
		_, err := tx.Exec(`UPDATE group_members SET position = $1 WHERE id = $2`,
			reordered[i].Position, reordered[i].ID)
		if err != nil {
			WriteAppError(w, ErrInternal())
			return
		}
	}

	if err := s.generateCyclesTx(tx, group); err != nil {
		WriteAppError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	log.Printf("[GROUP] Group %d first beneficiary set to user %d, cycles generated", groupID, req.UserID)
	s.notifier.Publish(EventCyclesGenerated, map[string]any{
		"group_id":          groupID,
		"first_beneficiary": req.UserID,
		"cycles":            len(reordered),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *GroupService) activeMembersTx(tx *sql.Tx, groupID int) ([]models.GroupMember, error) {
	rows, err := tx.Query(`
		SELECT id, user_id, position FROM group_members
		WHERE group_id = $1 AND status = $2
		ORDER BY position`, groupID, models.MemberStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.GroupMember{}
	for rows.Next() {
		m := models.GroupMember{GroupID: groupID, Status: models.MemberStatusActive}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Position); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// generateCyclesTx creates one cycle per active member, ordered by position.
// Due dates advance one frequency unit per cycle; monthly groups anchor to
// the configured payout day. expected_contributors freezes the member count
// so a mid-rotation departure cannot change what completion means for cycles
// already generated.
func (s *GroupService) generateCyclesTx(tx *sql.Tx, group *models.Group) error {
	members, err := s.activeMembersTx(tx, group.ID)
	if err != nil {
		return err
	}
	if len(members) < 2 {
		return ErrConflict("group needs at least two active members")
	}

	base := time.Now()
	if group.Frequency == models.FrequencyMonthly && group.PayoutDay != nil {
		base = time.Date(base.Year(), base.Month(), *group.PayoutDay, 12, 0, 0, 0, base.Location())
		if !base.After(time.Now()) {
			base = base.AddDate(0, 1, 0)
		}
	}

	now := time.Now()
	for i, m := range members {
		dueDate := cycleDueDate(base, group.Frequency, i)
		_, err := tx.Exec(`
			INSERT INTO payment_cycles
			(group_id, cycle_number, beneficiary_id, amount, due_date, expected_contributors, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			group.ID, i+1, m.UserID, group.CycleValue, dueDate, len(members),
			models.CycleStatusPending, now)
		if err != nil {
			return err
		}
	}

	log.Printf("[GROUP] Generated %d cycles for group %d", len(members), group.ID)
	return nil
}

func cycleDueDate(base time.Time, frequency string, offset int) time.Time {
	switch frequency {
	case models.FrequencyDaily:
		return base.AddDate(0, 0, offset)
	case models.FrequencyWeekly:
		return base.AddDate(0, 0, 7*offset)
	default:
		return base.AddDate(0, offset, 0)
	}
}

// currentCycleTx resolves "whose turn it is now": the PENDING cycle with the
// earliest due date.
func (s *GroupService) currentCycleTx(tx *sql.Tx, groupID int) (*models.PaymentCycle, error) {
	c := &models.PaymentCycle{GroupID: groupID}
	err := tx.QueryRow(`
		SELECT id, cycle_number, beneficiary_id, amount, due_date, expected_contributors
		FROM payment_cycles
		WHERE group_id = $1 AND status = $2
		ORDER BY due_date ASC
		LIMIT 1
		FOR UPDATE`, groupID, models.CycleStatusPending).Scan(
		&c.ID, &c.CycleNumber, &c.BeneficiaryID, &c.Amount, &c.DueDate, &c.ExpectedContributors)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("no pending cycle for this group")
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.CycleStatusPending
	return c, nil
}

// sweepMissedCycles forfeits overdue turns: a PENDING cycle past its due date
// with no completed contribution transitions to MISSED and the rotation moves
// on. An overdue cycle that already collected contributions stays open so the
// round can still complete. Runs in its own transaction so the transition
// survives whatever happens to the contribution that triggered the sweep.
func (s *GroupService) sweepMissedCycles(groupID int) ([]models.PaymentCycle, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, ErrInternal()
	}
	defer tx.Rollback()

	group, err := s.lockGroup(tx, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != models.GroupStatusActive && group.Status != models.GroupStatusFull {
		return nil, nil
	}

	rows, err := tx.Query(`
		SELECT id, cycle_number, beneficiary_id, due_date
		FROM payment_cycles
		WHERE group_id = $1 AND status = $2 AND due_date < $3
		ORDER BY due_date
		FOR UPDATE`, groupID, models.CycleStatusPending, time.Now())
	if err != nil {
		return nil, err
	}
	overdue := []models.PaymentCycle{}
	for rows.Next() {
		c := models.PaymentCycle{GroupID: groupID, Status: models.CycleStatusPending}
		if err := rows.Scan(&c.ID, &c.CycleNumber, &c.BeneficiaryID, &c.DueDate); err != nil {
			rows.Close()
			return nil, err
		}
		overdue = append(overdue, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	missed := []models.PaymentCycle{}
	for _, c := range overdue {
		var contributed int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM transactions
			WHERE type = $1 AND status = $2 AND (metadata->>'cycle_id')::int = $3`,
			models.TxTypeGroupPayment, models.TxStatusCompleted, c.ID).Scan(&contributed)
		if err != nil {
			return nil, err
		}
		if contributed > 0 {
			continue
		}
		c.Status = models.CycleStatusMissed
		if _, err := tx.Exec(`UPDATE payment_cycles SET status = $1 WHERE id = $2`,
			models.CycleStatusMissed, c.ID); err != nil {
			return nil, err
		}
		log.Printf("[GROUP] Group %d cycle %d missed by beneficiary %d", groupID, c.CycleNumber, c.BeneficiaryID)
		missed = append(missed, c)
	}
	if len(missed) == 0 {
		return nil, nil
	}

	var remaining int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM payment_cycles WHERE group_id = $1 AND status = $2`,
		groupID, models.CycleStatusPending).Scan(&remaining)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		_, err = tx.Exec(`UPDATE groups SET status = $1, updated_at = $2 WHERE id = $3`,
			models.GroupStatusCompleted, time.Now(), groupID)
		if err != nil {
			return nil, err
		}
		log.Printf("[GROUP] Group %d finished its rotation with cycles missed", groupID)
	}

	if err := tx.Commit(); err != nil {
		return nil, ErrInternal()
	}
	return missed, nil
}

type ContributeRequest struct {
	Pin string `json:"pin" validate:"required,len=4,numeric"`
}

// Contribute debits one member's contribution to the current cycle. Overdue
// cycles that never collected a contribution are forfeited first. The
// contribution that completes the round also pays the beneficiary, in the
// same transaction.
// @Summary Contribute to the current cycle
// @Tags groups
// @Accept json
// @Produce json
// @Param groupID path int true "Group ID"
// @Param request body ContributeRequest true "Transaction PIN"
// @Success 201 {object} object{transaction=models.Transaction,cycle=models.PaymentCycle}
// @Router /groups/{groupID}/contribute [post]
func (s *GroupService) Contribute(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	var req ContributeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.pins.Verify(userID, req.Pin); err != nil {
		WriteAppError(w, err)
		return
	}

	missed, err := s.sweepMissedCycles(groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	for _, m := range missed {
		s.notifier.Publish(EventCycleMissed, map[string]any{
			"group_id":       groupID,
			"cycle_number":   m.CycleNumber,
			"beneficiary_id": m.BeneficiaryID,
		})
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	group, err := s.lockGroup(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if group.Status != models.GroupStatusActive && group.Status != models.GroupStatusFull {
		WriteAppError(w, ErrConflict("group is not active"))
		return
	}

	var memberStatus string
	err = tx.QueryRow(`
		SELECT status FROM group_members WHERE group_id = $1 AND user_id = $2`,
		groupID, userID).Scan(&memberStatus)
	if err == sql.ErrNoRows || (err == nil && memberStatus != models.MemberStatusActive) {
		WriteAppError(w, ErrNotFound("not an active member of this group"))
		return
	}
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	cycle, err := s.currentCycleTx(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if cycle.BeneficiaryID == userID {
		WriteAppError(w, ErrConflict("the beneficiary does not contribute to their own cycle"))
		return
	}

	var alreadyPaid int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND type = $2 AND status = $3 AND (metadata->>'cycle_id')::int = $4`,
		userID, models.TxTypeGroupPayment, models.TxStatusCompleted, cycle.ID).Scan(&alreadyPaid)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	if alreadyPaid > 0 {
		WriteAppError(w, ErrConflict("already contributed to this cycle"))
		return
	}

	contribution, err := s.ledger.ApplyMovementTx(tx, userID, models.TxTypeGroupPayment, cycle.Amount, 0, models.Metadata{
		"group_id":       groupID,
		"cycle_id":       cycle.ID,
		"cycle_number":   cycle.CycleNumber,
		"beneficiary_id": cycle.BeneficiaryID,
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	var contributed int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM transactions
		WHERE type = $1 AND status = $2 AND (metadata->>'cycle_id')::int = $3`,
		models.TxTypeGroupPayment, models.TxStatusCompleted, cycle.ID).Scan(&contributed)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	paidOut := false
	if contributed == cycle.ExpectedContributors-1 {
		if err := s.payCycleTx(tx, group, cycle, contributed); err != nil {
			WriteAppError(w, err)
			return
		}
		paidOut = true
	}

	if err := tx.Commit(); err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	s.notifier.Publish(EventContributionMade, map[string]any{
		"group_id":     groupID,
		"cycle_number": cycle.CycleNumber,
		"user_id":      userID,
		"amount":       cycle.Amount,
	})
	if paidOut {
		s.notifier.Publish(EventCyclePaid, map[string]any{
			"group_id":       groupID,
			"cycle_number":   cycle.CycleNumber,
			"beneficiary_id": cycle.BeneficiaryID,
			"amount":         cycle.Amount * int64(contributed),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"transaction":  contribution,
		"cycle_number": cycle.CycleNumber,
		"cycle_paid":   paidOut,
	})
}

// payCycleTx credits the beneficiary with the pot collected for the cycle
// and marks it PAID. The group completes when its last cycle pays out.
func (s *GroupService) payCycleTx(tx *sql.Tx, group *models.Group, cycle *models.PaymentCycle, contributors int) error {
	pot := cycle.Amount * int64(contributors)

	payout, err := s.ledger.ApplyMovementTx(tx, cycle.BeneficiaryID, models.TxTypeGroupReceive, pot, 0, models.Metadata{
		"group_id":     group.ID,
		"cycle_id":     cycle.ID,
		"cycle_number": cycle.CycleNumber,
		"contributors": contributors,
	})
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE payment_cycles SET status = $1, paid_at = $2, transaction_id = $3 WHERE id = $4`,
		models.CycleStatusPaid, now, payout.Reference, cycle.ID)
	if err != nil {
		return err
	}

	var remaining int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM payment_cycles WHERE group_id = $1 AND status = $2`,
		group.ID, models.CycleStatusPending).Scan(&remaining)
	if err != nil {
		return err
	}
	if remaining == 0 {
		_, err = tx.Exec(`UPDATE groups SET status = $1, updated_at = $2 WHERE id = $3`,
			models.GroupStatusCompleted, now, group.ID)
		if err != nil {
			return err
		}
		log.Printf("[GROUP] Group %d completed its rotation", group.ID)
	}

	s.audit.LogPayout(payout.Reference, group.ID, cycle.CycleNumber, cycle.BeneficiaryID, pot)
	return nil
}

// LeaveGroup soft-deactivates the caller's membership. The admin and the
// current cycle's beneficiary cannot leave; positions are never renumbered
// once cycles exist.
// @Summary Leave a savings group
// @Tags groups
// @Produce json
// @Param groupID path int true "Group ID"
// @Success 200 {object} map[string]bool
// @Router /groups/{groupID}/leave [post]
func (s *GroupService) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	group, err := s.lockGroup(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if group.AdminID == userID {
		WriteAppError(w, ErrConflict("the admin cannot leave their own group"))
		return
	}

	var memberID int
	err = tx.QueryRow(`
		SELECT id FROM group_members
		WHERE group_id = $1 AND user_id = $2 AND status = $3
		FOR UPDATE`, groupID, userID, models.MemberStatusActive).Scan(&memberID)
	if err == sql.ErrNoRows {
		WriteAppError(w, ErrNotFound("not an active member of this group"))
		return
	}
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	var pendingAsBeneficiary int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM payment_cycles
		WHERE group_id = $1 AND beneficiary_id = $2 AND status = $3`,
		groupID, userID, models.CycleStatusPending).Scan(&pendingAsBeneficiary)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	if pendingAsBeneficiary > 0 {
		WriteAppError(w, ErrConflict("cannot leave while a pending cycle names you beneficiary"))
		return
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE group_members SET status = $1, left_at = $2 WHERE id = $3`,
		models.MemberStatusLeft, now, memberID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	_, err = tx.Exec(`
		UPDATE groups SET current_participants = current_participants - 1, updated_at = $1 WHERE id = $2`,
		now, groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	if err := tx.Commit(); err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	s.notifier.Publish(EventMemberLeft, map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// CancelGroup marks the group CANCELLED. Refused while any cycle is still
// PENDING: collected funds would need reconciliation.
// @Summary Cancel a savings group
// @Tags groups
// @Produce json
// @Param groupID path int true "Group ID"
// @Success 200 {object} map[string]bool
// @Router /groups/{groupID} [delete]
func (s *GroupService) CancelGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	group, err := s.lockGroup(tx, groupID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if group.AdminID != userID {
		WriteAppError(w, ErrConflict("only the group admin may cancel the group"))
		return
	}
	if group.Status == models.GroupStatusCancelled || group.Status == models.GroupStatusCompleted {
		WriteAppError(w, ErrConflict("group is already closed"))
		return
	}

	var pending int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM payment_cycles WHERE group_id = $1 AND status = $2`,
		groupID, models.CycleStatusPending).Scan(&pending)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	if pending > 0 {
		WriteAppError(w, ErrConflict("cannot cancel while cycles are pending"))
		return
	}

	now := time.Now()
	_, err = tx.Exec(`UPDATE groups SET status = $1, updated_at = $2 WHERE id = $3`,
		models.GroupStatusCancelled, now, groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	_, err = tx.Exec(`
		UPDATE group_members SET status = $1, left_at = $2 WHERE group_id = $3 AND status = $4`,
		models.MemberStatusLeft, now, groupID, models.MemberStatusActive)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	if err := tx.Commit(); err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	log.Printf("[GROUP] Group %d cancelled by admin %d", groupID, userID)
	s.notifier.Publish(EventGroupCancelled, map[string]any{"group_id": groupID})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// GetGroup returns the group with its member roster.
// @Summary Get group details
// @Tags groups
// @Produce json
// @Param groupID path int true "Group ID"
// @Success 200 {object} object{group=models.Group,members=[]models.GroupMember}
// @Router /groups/{groupID} [get]
func (s *GroupService) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	g := &models.Group{ID: groupID}
	err = s.db.QueryRow(`
		SELECT name, admin_id, cycle_value, frequency, max_participants, current_participants, payout_day, status, created_at, updated_at
		FROM groups WHERE id = $1`, groupID).Scan(
		&g.Name, &g.AdminID, &g.CycleValue, &g.Frequency, &g.MaxParticipants,
		&g.CurrentParticipants, &g.PayoutDay, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		WriteAppError(w, ErrNotFound("group not found"))
		return
	}
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, position, status, joined_at, left_at
		FROM group_members WHERE group_id = $1 ORDER BY position`, groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer rows.Close()

	members := []models.GroupMember{}
	for rows.Next() {
		m := models.GroupMember{GroupID: groupID}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Position, &m.Status, &m.JoinedAt, &m.LeftAt); err != nil {
			WriteAppError(w, ErrInternal())
			return
		}
		members = append(members, m)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"group":   g,
		"members": members,
	})
}

// ListCycles returns the group's cycle schedule in rotation order.
// @Summary List payment cycles
// @Tags groups
// @Produce json
// @Param groupID path int true "Group ID"
// @Success 200 {object} object{cycles=[]models.PaymentCycle}
// @Router /groups/{groupID}/cycles [get]
func (s *GroupService) ListCycles(w http.ResponseWriter, r *http.Request) {
	groupID, err := groupIDFromRequest(r)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, cycle_number, beneficiary_id, amount, due_date, expected_contributors, status, paid_at, transaction_id, created_at
		FROM payment_cycles WHERE group_id = $1 ORDER BY cycle_number`, groupID)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer rows.Close()

	cycles := []models.PaymentCycle{}
	for rows.Next() {
		c := models.PaymentCycle{GroupID: groupID}
		err := rows.Scan(&c.ID, &c.CycleNumber, &c.BeneficiaryID, &c.Amount, &c.DueDate,
			&c.ExpectedContributors, &c.Status, &c.PaidAt, &c.TransactionID, &c.CreatedAt)
		if err != nil {
			WriteAppError(w, ErrInternal())
			return
		}
		cycles = append(cycles, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"cycles": cycles,
		"count":  len(cycles),
	})
}
