package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseStream は Server-Sent Events の書き込みヘルパー
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEStream はSSE用のレスポンスヘッダーを書き込み、ストリームを開始します
func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher}, nil
}

// send は名前付きイベントをJSONペイロードとともに送信します
func (s *sseStream) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

// heartbeat は接続維持のためのコメント行を送信します
func (s *sseStream) heartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}
