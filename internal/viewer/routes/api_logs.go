package routes

import "net/http"

// LogSource serves the in-memory log tail.
type LogSource interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

func RegisterLogs(mux *http.ServeMux, logs LogSource) {
	if logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", logs.ServeLogsSSE)
}
