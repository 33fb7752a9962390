package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"chainledger/internal/models"
)

// --- WebSocket Hub ---

// Hub fans task notifications out to every connected client. It implements
// taskmanager.Notifier, so the scheduler can publish without knowing about
// websockets.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mutex      sync.Mutex
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	h := &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WebSocket upgrade error:", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- client
			conn.Close()
		}()
		for {
			message, ok := <-client.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			w.Close()
		}
	}()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

type BroadcastMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type WSTransactionStatus struct {
	Addresses []string     `json:"addresses"`
	Chain     models.Chain `json:"chain"`
	Subtype   string       `json:"subtype"`
	Status    string       `json:"status"`
}

type WSProgress struct {
	TaskID     string `json:"task_id"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
}

type WSMissingAPIKey struct {
	Service string `json:"service"`
}

func (h *Hub) send(msgType string, data interface{}) {
	msg := BroadcastMessage{Type: msgType, Data: data}
	payload, _ := json.Marshal(msg)
	h.broadcast <- payload
}

// TransactionStatus publishes a task transition for a set of addresses.
func (h *Hub) TransactionStatus(addresses []string, chain models.Chain, status string) {
	h.send("transaction_status", WSTransactionStatus{
		Addresses: addresses,
		Chain:     chain,
		Subtype:   "transactions",
		Status:    status,
	})
}

// Progress publishes per-range progress of a running query task.
func (h *Hub) Progress(taskID string, step, total int) {
	h.send("progress", WSProgress{TaskID: taskID, Step: step, TotalSteps: total})
}

// MissingAPIKey tells the frontend a provider needs a credential. Wired to
// coordinator.OnMissingAPIKey.
func (h *Hub) MissingAPIKey(service string) {
	h.send("missing_api_key", WSMissingAPIKey{Service: service})
}
