package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	UserID    int       `json:"user_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

// Logger writes one JSON line per balance-affecting event.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogMovement(reference string, userID int, movementType string, amount int64, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: movementType,
		Reference: reference,
		UserID:    userID,
		Amount:    amount,
		Status:    status,
	})
}

func (a *Logger) LogPayout(reference string, groupID, cycleNumber, beneficiaryID int, amount int64) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "CYCLE_PAYOUT",
		Reference: reference,
		UserID:    beneficiaryID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details: map[string]int{
			"group_id":     groupID,
			"cycle_number": cycleNumber,
		},
	})
}

func (a *Logger) LogError(reference string, userID int, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
