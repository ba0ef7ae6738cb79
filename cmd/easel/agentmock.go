package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/easel/httpapi"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

func newAgentMockCmd() *cobra.Command {
	cfg := mockConfig{}
	var delayMS int
	var seed int64
	cmd := &cobra.Command{
		Use:   "agent-mock",
		Short: "Serve scripted agent event streams for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if delayMS < 0 {
				return errors.New("invalid --delay-ms")
			}
			cfg.delay = time.Duration(delayMS) * time.Millisecond
			if seed >= 0 {
				cfg.seed = uint64(seed)
				cfg.seedSet = true
			}
			if cfg.scenario != "" {
				if _, err := pickScenario(cfg, buildScenarios()); err != nil {
					return err
				}
			}
			mux := http.NewServeMux()
			mux.Handle("/api/agent", newAgentMockHandler(cfg))
			pslog.Ctx(cmd.Context()).Info("agent mock ready", "addr", cfg.addr, "scenario", cfg.scenario, "split", cfg.split)
			return httpapi.ListenAndServe(cmd.Context(), cfg.addr, mux)
		},
	}
	cmd.Flags().StringVar(&cfg.addr, "addr", "127.0.0.1:27490", "listen address")
	cmd.Flags().StringVar(&cfg.scenario, "scenario", "", "scenario name (text, tools, canvas, fail, truncate); default picks by prompt hash")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 30, "delay between messages")
	cmd.Flags().Int64Var(&seed, "seed", -1, "fixed seed (default derives one from the prompt)")
	cmd.Flags().BoolVar(&cfg.split, "split-frames", false, "write every frame in two chunks")
	return cmd
}

type mockConfig struct {
	addr     string
	scenario string
	seed     uint64
	seedSet  bool
	delay    time.Duration
	split    bool
}

type mockRequest struct {
	RunID     string `json:"runId"`
	Prompt    string `json:"prompt"`
	Context   string `json:"context"`
	SessionID string `json:"sessionId"`
}

type mockScenario struct {
	name string
	run  func(req mockRequest, seed uint64) []schema.Message
	// truncate ends the body in the middle of a frame.
	truncate bool
}

func newAgentMockHandler(cfg mockConfig) http.Handler {
	scenarios := buildScenarios()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		log := pslog.Ctx(r.Context())
		var req mockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			http.Error(w, "prompt is required", http.StatusBadRequest)
			return
		}
		runCfg := cfg
		if !runCfg.seedSet {
			runCfg.seed = hashSeed(req.Prompt, req.SessionID, cfg.scenario)
		}
		scenario, err := pickScenario(runCfg, scenarios)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		session := req.SessionID
		if session == "" {
			session = mockSessionID(runCfg.seed)
		}
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		log = log.With("run", req.RunID, "scenario", scenario.name)
		log.Info("agent mock run", "resume", req.SessionID != "")
		msgs := append([]schema.Message{schema.System{SessionID: schema.SessionID(session)}}, scenario.run(req, runCfg.seed)...)
		for _, msg := range msgs {
			if err := writeMockFrame(w, flusher, msg, runCfg.split); err != nil {
				log.Warn("agent mock write failed", "err", err)
				return
			}
			if !sleepCtx(r.Context(), runCfg.delay) {
				log.Info("agent mock client gone")
				return
			}
		}
		if scenario.truncate {
			_, _ = fmt.Fprint(w, `data: {"type":"text_delta","content":"cut`)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
}

func writeMockFrame(w http.ResponseWriter, flusher http.Flusher, msg schema.Message, split bool) error {
	payload, err := schema.EncodeMessage(msg)
	if err != nil {
		return err
	}
	frame := "data: " + string(payload) + "\n\n"
	chunks := []string{frame}
	if split {
		mid := len(frame) / 2
		chunks = []string{frame[:mid], frame[mid:]}
	}
	for _, chunk := range chunks {
		if _, err := fmt.Fprint(w, chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func hashSeed(prompt, sessionID, scenario string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(prompt))
	_, _ = hasher.Write([]byte(sessionID))
	_, _ = hasher.Write([]byte(scenario))
	return hasher.Sum64()
}

func mockSessionID(seed uint64) string {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], seed)
	binary.LittleEndian.PutUint64(buf[8:16], seed^0x9e3779b97f4a7c15)
	return "mock-" + hex.EncodeToString(buf[:])
}

func buildScenarios() []mockScenario {
	return []mockScenario{
		{name: "text", run: scenarioText},
		{name: "tools", run: scenarioTools},
		{name: "canvas", run: scenarioCanvas},
		{name: "fail", run: scenarioFail},
		{name: "truncate", run: scenarioTruncate, truncate: true},
	}
}

func pickScenario(cfg mockConfig, scenarios []mockScenario) (mockScenario, error) {
	if cfg.scenario != "" {
		for _, s := range scenarios {
			if s.name == cfg.scenario {
				return s, nil
			}
		}
		return mockScenario{}, fmt.Errorf("unknown scenario: %s", cfg.scenario)
	}
	// Failure scenarios are opt-in.
	idx := int(cfg.seed % 3)
	return scenarios[idx], nil
}

func mockUsage(req mockRequest, seed uint64) schema.Result {
	return schema.Result{
		Cost:         float64(len(req.Prompt)+int(seed%50)) / 10000,
		InputTokens:  len(req.Prompt) + len(req.Context) + 12,
		OutputTokens: int(20 + seed%50),
	}
}

func mockReply(seed uint64, prompt string) string {
	topic := strings.TrimSpace(prompt)
	if len(topic) > 60 {
		topic = topic[:60] + "..."
	}
	return fmt.Sprintf("Here is mock answer %d about **%s**.\n\n- first point\n- second point", seed%1000, topic)
}

func textDeltas(text string) []schema.Message {
	words := strings.SplitAfter(text, " ")
	out := make([]schema.Message, 0, len(words)+1)
	for _, word := range words {
		if word == "" {
			continue
		}
		out = append(out, schema.TextDelta{Content: word})
	}
	return append(out, schema.TextDone{})
}

func scenarioText(req mockRequest, seed uint64) []schema.Message {
	msgs := textDeltas(mockReply(seed, req.Prompt))
	return append(msgs, mockUsage(req, seed))
}

func scenarioTools(req mockRequest, seed uint64) []schema.Message {
	query, _ := json.Marshal(map[string]any{"query": req.Prompt})
	path, _ := json.Marshal(map[string]any{"path": "notes.md"})
	msgs := textDeltas("Let me look that up.")
	msgs = append(msgs,
		schema.ToolUse{ToolID: "tool_0", Tool: "search", Input: query},
		schema.ToolResult{ToolID: "tool_0", Output: fmt.Sprintf("%d matches\nnotes.md:12", 1+seed%5)},
		schema.ToolUse{ToolID: "tool_1", Tool: "read_file", Input: path},
		schema.ToolResult{ToolID: "tool_1", Output: "# Notes\nmock content"},
	)
	msgs = append(msgs, textDeltas(mockReply(seed, req.Prompt))...)
	return append(msgs, mockUsage(req, seed))
}

func scenarioCanvas(req mockRequest, seed uint64) []schema.Message {
	msgs := textDeltas("Pinning a note to the canvas.")
	msgs = append(msgs, schema.CanvasOp{
		Action: schema.CanvasCreate,
		Kind:   "note",
		X:      float64(seed % 400),
		Y:      -200,
		Props:  map[string]any{"text": req.Prompt, schema.PropW: 200.0, schema.PropH: 120.0},
	})
	return append(msgs, mockUsage(req, seed))
}

func scenarioFail(req mockRequest, seed uint64) []schema.Message {
	msgs := textDeltas("Starting work")
	msgs = msgs[:len(msgs)-1]
	return append(msgs, schema.Error{Message: "mock agent failure"})
}

func scenarioTruncate(req mockRequest, seed uint64) []schema.Message {
	msgs := textDeltas("This reply is cut")
	return msgs[:len(msgs)-1]
}
