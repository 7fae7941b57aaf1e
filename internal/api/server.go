package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"kvstress/internal/client"
	"kvstress/internal/control"
	"kvstress/internal/events"
	"kvstress/internal/logger"
	"kvstress/internal/scenario"
	"kvstress/internal/stats"

	"golang.org/x/net/websocket"
)

// DefaultPollSamples は poll で返すサンプル数の既定値
const DefaultPollSamples = 100

// Server はAPIサーバー
type Server struct {
	addr   string
	engine *scenario.Engine
	bus    *events.Bus

	mu        sync.RWMutex
	ctx       context.Context
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しいAPIサーバーを作成する
func NewServer(addr string, engine *scenario.Engine) *Server {
	return &Server{
		addr:      addr,
		engine:    engine,
		ctx:       context.Background(),
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// SetEventBus はWebSocketに転送するイベントバスを設定する
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/ops", s.handleOps)
	mux.HandleFunc("GET /api/ops/{id}/poll", s.handlePoll)
	mux.HandleFunc("POST /api/ops/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /api/client/start", s.handleClientStart)
	mux.HandleFunc("POST /api/client/stop", s.handleClientStop)
	mux.HandleFunc("GET /api/presets", s.handlePresets)

	// WebSocket
	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))

	return mux
}

// Start はサーバーを開始し、ctx が終わるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// バックグラウンドで統計とイベントを配信
	go s.broadcastLoop(ctx)
	if s.bus != nil {
		go s.forwardEvents(ctx)
	}

	logger.Info("", "API Server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Running       bool   `json:"running"`
	ScenarioName  string `json:"scenario_name,omitempty"`
	Server        string `json:"server,omitempty"`
	Client        string `json:"client,omitempty"`
	ClientState   string `json:"client_state,omitempty"`
	Workers       int    `json:"workers"`
	ActiveWorkers int    `json:"active_workers"`
	Executed      uint64 `json:"executed"`
	Objects       int    `json:"objects"`
}

func (s *Server) status() StatusResponse {
	cfg := s.engine.Config()
	resp := StatusResponse{
		Running:      s.engine.IsRunning(),
		ScenarioName: cfg.Name,
		Server:       cfg.Server,
		Objects:      s.engine.Registry().Len(),
	}

	if h := s.engine.ClientHandle(); h != "" {
		if c, err := s.engine.Registry().Client(h); err == nil {
			resp.Client = string(h)
			resp.ClientState = c.State().String()
			resp.Workers = c.NumWorkers()
			resp.ActiveWorkers = c.ActiveWorkers()
			resp.Executed = c.Executed()
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status())
}

// OpInfo は操作情報
type OpInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Queries uint64 `json:"queries"`
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()

	ops := []OpInfo{}
	for _, info := range reg.List(control.KindOp) {
		o, err := reg.Op(info.Handle)
		if err != nil {
			continue
		}
		ops = append(ops, OpInfo{
			ID:      string(info.Handle),
			Name:    info.Name,
			Queries: o.Stats().Queries(),
		})
	}

	s.writeJSON(w, ops)
}

// PollResponse は統計のスナップショット
type PollResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Queries    uint64    `json:"queries"`
	Failures   uint64    `json:"failures"`
	Skipped    uint64    `json:"skipped"`
	WorstSec   float64   `json:"worst_sec"`
	SamplesSec []float64 `json:"samples_sec"`
	P50Sec     float64   `json:"p50_sec"`
	P99Sec     float64   `json:"p99_sec"`
}

func newPollResponse(h control.Handle, name string, p stats.Poll) PollResponse {
	sum := stats.Summarize(p.Samples)
	return PollResponse{
		ID:         string(h),
		Name:       name,
		Queries:    p.Queries,
		Failures:   p.Failures,
		Skipped:    p.Skipped,
		WorstSec:   p.WorstSeconds(),
		SamplesSec: p.SampleSeconds(),
		P50Sec:     sum.P50.Seconds(),
		P99Sec:     sum.P99.Seconds(),
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	h := control.Handle(r.PathValue("id"))

	samples := DefaultPollSamples
	if v := r.URL.Query().Get("samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid samples", http.StatusBadRequest)
			return
		}
		samples = n
	}
	reset := r.URL.Query().Get("reset") == "1" || r.URL.Query().Get("reset") == "true"

	reg := s.engine.Registry()
	o, err := reg.Op(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := reg.Collect(h, samples, reset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, newPollResponse(h, o.Name(), p))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	h := control.Handle(r.PathValue("id"))

	if _, err := s.engine.Registry().Collect(h, 0, true); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, map[string]string{"status": "reset", "id": string(h)})
}

func (s *Server) handleClientStart(w http.ResponseWriter, r *http.Request) {
	h := s.engine.ClientHandle()
	if h == "" {
		http.Error(w, "No scenario running", http.StatusConflict)
		return
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	if err := s.engine.Registry().ClientStart(ctx, h); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, map[string]string{"status": "started", "client": string(h)})
}

func (s *Server) handleClientStop(w http.ResponseWriter, r *http.Request) {
	h := s.engine.ClientHandle()
	if h == "" {
		http.Error(w, "No scenario running", http.StatusConflict)
		return
	}

	if err := s.engine.Registry().ClientStop(h); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, map[string]string{"status": "stopped", "client": string(h)})
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	var presets []PresetInfo
	for _, name := range scenario.ListPresets() {
		c, _ := scenario.GetPreset(name)
		presets = append(presets, PresetInfo{Name: name, Description: c.Description})
	}

	s.writeJSON(w, presets)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(data any) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// pollAll は全操作の統計を読み出す
// 最終レポートに影響しないようリセットはしない
func (s *Server) pollAll() []PollResponse {
	reg := s.engine.Registry()

	var polls []PollResponse
	for _, h := range s.engine.OpHandles() {
		o, err := reg.Op(h)
		if err != nil {
			continue
		}
		p, err := reg.Collect(h, DefaultPollSamples, false)
		if err != nil {
			continue
		}
		polls = append(polls, newPollResponse(h, o.Name(), p))
	}
	return polls
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.engine.IsRunning() {
				continue
			}

			s.broadcast(map[string]any{
				"type":   "status",
				"status": s.status(),
				"ops":    s.pollAll(),
			})
		}
	}
}

// forwardEvents はイベントバスのイベントをWebSocketに転送する
func (s *Server) forwardEvents(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			// 毎秒の poll 自体が出すイベントは転送しない
			if e.Type == events.EventOpPolled {
				continue
			}
			s.broadcast(map[string]any{
				"type":  "event",
				"event": e,
			})
		}
	}
}

// writeError はレジストリとクライアントのエラーをステータスコードに対応付ける
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, control.ErrUnknownHandle), errors.Is(err, control.ErrWrongKind):
		code = http.StatusNotFound
	case errors.Is(err, control.ErrAlreadyLocked), errors.Is(err, control.ErrNotLocked),
		errors.Is(err, client.ErrAlreadyRunning), errors.Is(err, client.ErrNotRunning),
		errors.Is(err, client.ErrNoOps):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}
