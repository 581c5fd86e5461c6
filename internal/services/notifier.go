package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Domain events delivered to the notification layer. The queue is
// fire-and-forget: delivery failures never fail the triggering operation.
const (
	EventMemberJoined        = "group.member_joined"
	EventMemberLeft          = "group.member_left"
	EventContributionMade    = "group.contribution_made"
	EventCyclePaid           = "group.cycle_paid"
	EventCycleMissed         = "group.cycle_missed"
	EventGroupCancelled      = "group.cancelled"
	EventCyclesGenerated     = "group.cycles_generated"
	EventDepositCompleted    = "wallet.deposit_completed"
	EventWithdrawalCompleted = "wallet.withdrawal_completed"
	EventTransferCompleted   = "wallet.transfer_completed"
	EventBonusActivated      = "wallet.bonus_activated"
)

const eventQueue = "kixikila:events"

type Notifier struct {
	redis *redis.Client
}

func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{redis: redisClient}
}

// Publish queues one domain event for the notification layer.
func (n *Notifier) Publish(eventType string, payload map[string]any) {
	event := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().Unix(),
		"payload":   payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[NOTIFY] Failed to encode event %s: %v", eventType, err)
		return
	}

	if n.redis == nil {
		log.Printf("[NOTIFY] %s", string(data))
		return
	}

	if err := n.redis.RPush(context.Background(), eventQueue, data).Err(); err != nil {
		log.Printf("[NOTIFY] Failed to queue event %s: %v", eventType, err)
	}
}
