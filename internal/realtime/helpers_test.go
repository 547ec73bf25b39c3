package realtime

import "net/http"

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	return mux
}
