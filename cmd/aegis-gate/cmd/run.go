package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Aegis-Gate/Aegisgate/internal/adapter/inbound/hook"
	"github.com/Aegis-Gate/Aegisgate/internal/service"
	"github.com/Aegis-Gate/Aegisgate/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the governance server",
	Long: `Start the long-running governance server. The server exposes the
hook evaluation endpoint plus status, trust, and Prometheus metrics
endpoints on the configured listen address.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	eng, cfg, err := buildEngine(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, "aegis-gate", Version, cfg.Telemetry.Enabled)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/evaluate", handleEvaluate(eng))
	mux.HandleFunc("/outcome", handleOutcome(eng))
	mux.HandleFunc("/subagent", handleSubAgent(eng))
	mux.HandleFunc("/status", handleStatus(eng))
	mux.HandleFunc("/trust", handleTrust(eng))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	fmt.Fprintf(os.Stderr, "aegis-gate listening on %s\n", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		eng.Stop(context.Background())
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := eng.Stop(shutdownCtx); err != nil {
		return err
	}
	return tel.Shutdown(shutdownCtx)
}

// handleEvaluate accepts one hook event and returns the decision.
func handleEvaluate(eng *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ev, err := hook.ParseEvent(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		verdict := eng.Evaluate(r.Context(), ev.ToContext())
		w.Header().Set("Content-Type", "application/json")
		hook.WriteDecision(w, hook.FromVerdict(&verdict))
	}
}

// outcomeRequest reports a completed tool call.
type outcomeRequest struct {
	AgentID  string `json:"agent_id"`
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
}

func handleOutcome(eng *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req outcomeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		eng.RecordOutcome(req.AgentID, req.ToolName, req.Success)
		w.WriteHeader(http.StatusNoContent)
	}
}

// subAgentRequest registers a parent/child session relationship.
type subAgentRequest struct {
	ParentSessionKey string `json:"parent_session_key"`
	ChildSessionKey  string `json:"child_session_key"`
}

func handleSubAgent(eng *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req subAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		eng.RegisterSubAgent(req.ParentSessionKey, req.ChildSessionKey)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStatus(eng *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(eng.GetStatus())
	}
}

// handleTrust returns one agent's trust (?agent=) or the full snapshot,
// and applies overrides on PUT with ?agent= and ?score=.
func handleTrust(eng *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := r.URL.Query().Get("agent")
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			if agent != "" {
				json.NewEncoder(w).Encode(eng.GetTrust(agent))
				return
			}
			json.NewEncoder(w).Encode(eng.GetTrustAll())
		case http.MethodPut:
			score, err := strconv.Atoi(r.URL.Query().Get("score"))
			if agent == "" || err != nil {
				http.Error(w, "agent and numeric score required", http.StatusBadRequest)
				return
			}
			eng.SetTrust(agent, score)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
