package websocket

import (
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/pipalerts/affiliate_engine/services"
)

// Client is one admin session subscribed to the live payout feed.
type Client struct {
	UserID uuid.UUID
	Conn   *websocket.Conn
}

var clients = make(map[*websocket.Conn]uuid.UUID)
var clientsMu sync.RWMutex
var Register = make(chan *Client)
var Unregister = make(chan *Client)
var Broadcast = make(chan services.DisbursementEvent, 64)

// EventFeed adapts the hub to the disbursement processor's event sink.
// Publish never blocks the payout path: when the buffer is full the event is
// dropped, since the audit log remains the durable record.
type EventFeed struct{}

func (EventFeed) Publish(event services.DisbursementEvent) {
	select {
	case Broadcast <- event:
	default:
		log.Println("⚠️ Event feed buffer full, dropping event")
	}
}

func RunHub() {
	for {
		select {
		case client := <-Register:
			log.Printf("Feed client registered: %s", client.UserID)
			clientsMu.Lock()
			clients[client.Conn] = client.UserID
			clientsMu.Unlock()
		case client := <-Unregister:
			log.Printf("Feed client unregistered: %s", client.UserID)
			clientsMu.Lock()
			delete(clients, client.Conn)
			clientsMu.Unlock()
		case event := <-Broadcast:
			clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(clients))
			for conn := range clients {
				conns = append(conns, conn)
			}
			clientsMu.RUnlock()

			for _, conn := range conns {
				if err := conn.WriteJSON(event); err != nil {
					log.Printf("Error pushing event to feed client: %v", err)
					conn.Close()
					clientsMu.Lock()
					delete(clients, conn)
					clientsMu.Unlock()
				}
			}
		}
	}
}
