package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/docserve/docserve/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// API keys are the access control; the socket carries no cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler for the status websocket: streams a snapshot per status transition
// and closes after delivering a terminal snapshot. Speaks raw HTTP because
// websockets live outside huma's request/response model.
func (service *docserve) streamTaskStatus(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(r.Header.Get("Authorization")); err != nil {
		data, _ := json.Marshal(WebsocketMessage{Message: "error", Error: err.Error()})
		writeJson(w, data, http.StatusUnauthorized)
		return
	}
	taskId := mux.Vars(r)["task_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error(fmt.Sprintf("Task %s: websocket upgrade: %s", taskId, err.Error()))
		return
	}
	defer conn.Close()

	updates, cancel, err := service.Orchestrator.SubscribeProgress(r.Context(), taskId)
	if err != nil {
		conn.WriteJSON(WebsocketMessage{Message: "error", Error: err.Error()})
		return
	}
	defer cancel()

	// a read pump whose only job is noticing the client hanging up
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// greet the subscriber with the current snapshot
	snapshot, err := service.Orchestrator.TaskStatus(r.Context(), taskId, 0)
	if err != nil {
		conn.WriteJSON(WebsocketMessage{Message: "error", Error: err.Error()})
		return
	}
	status := taskStatusResponse(snapshot, nil, nil)
	if err := conn.WriteJSON(WebsocketMessage{Message: "connection", Task: &status}); err != nil {
		return
	}

	for {
		select {
		case update, open := <-updates:
			if !open {
				// terminal snapshot delivered; the stream is complete
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			status := taskStatusResponse(update, nil, nil)
			if err := conn.WriteJSON(WebsocketMessage{Message: "update", Task: &status}); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}
