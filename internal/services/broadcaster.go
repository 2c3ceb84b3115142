package services

import "crash-mines-backend/internal/models"

// Broadcaster fans events out to live connections. Broadcast reaches every
// connection, SendTo only the connections authenticated as ownerID.
type Broadcaster interface {
	Broadcast(msg *models.OutboundMessage)
	SendTo(ownerID int64, msg *models.OutboundMessage)
}

func event(msgType string, data interface{}) *models.OutboundMessage {
	return &models.OutboundMessage{Type: msgType, Data: data}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(*models.OutboundMessage)     {}
func (nopBroadcaster) SendTo(int64, *models.OutboundMessage) {}
