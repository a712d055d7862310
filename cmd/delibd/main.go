// delibd is the deliberation server entrypoint: it wires storage,
// similarity, caching, retrieval, the background worker, and the
// round-based orchestrator together and exposes them as MCP tools over
// stdio, following the wrapper shape of cmd/efficient-notion-mcp/main.go
// (server.NewMCPServer + AddTool + ServeStdio) rather than the teacher's
// hand-rolled internal/mcp server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/deliberation"
	"github.com/vthunder/delibd/internal/dlog"
	"github.com/vthunder/delibd/internal/embedding"
	"github.com/vthunder/delibd/internal/graph"
)

const version = "0.1.0"

// toolHandlerFunc matches the plain handler signature mcp-go's
// server.AddTool expects, following the teacher's own handler
// functions (e.g. handlePull in cmd/efficient-notion-mcp/main.go),
// which are passed positionally with no named type annotation.
type toolHandlerFunc = func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

func main() {
	log.Printf("delibd - deliberation server v%s", version)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	statePath := os.Getenv("DELIB_STATE_PATH")
	if statePath == "" {
		statePath = "state"
	}
	os.MkdirAll(statePath, 0755)

	dbPath := cfg.DecisionGraph.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(statePath, dbPath)
	}

	db, err := graph.Open(dbPath)
	if err != nil {
		log.Fatalf("graph.Open: %v", err)
	}
	defer db.Close()

	corpus, err := seedCorpus(db)
	if err != nil {
		dlog.Warn("main", "failed to seed similarity corpus: %v", err)
	}

	var embedder *embedding.Client
	if os.Getenv("DELIB_DISABLE_EMBEDDINGS") != "true" {
		embedder = embedding.NewClient(os.Getenv("OLLAMA_BASE_URL"), os.Getenv("OLLAMA_EMBED_MODEL"))
	}
	cache := graph.NewCache(cfg.DecisionGraph.QueryCacheSize, cfg.DecisionGraph.EmbeddingCacheSize,
		time.Duration(cfg.DecisionGraph.QueryTTLSeconds)*time.Second)
	backend := graph.NewBackend(embedder, corpus, cache)

	retriever := graph.NewRetriever(db, backend, cache, cfg.DecisionGraph)

	worker := graph.NewWorker(db, backend, cache, cfg.DecisionGraph)
	if cfg.DecisionGraph.Enabled {
		worker.Start()
		defer worker.Stop(5 * time.Second)
	}

	integration := graph.NewIntegration(db, retriever, worker, cache, backend, cfg.DecisionGraph)

	adapters := buildAdapters()
	session := newSessionModels(adapters)
	toolExecutor := deliberation.NewToolExecutor(cfg.Deliberation.ToolSecurity)
	engine := deliberation.NewEngine(adapters, toolExecutor, integration, backend, cfg.Deliberation)

	s := server.NewMCPServer(
		"delibd",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(deliberateTool(), handleDeliberate(engine, session))
	s.AddTool(queryDecisionsTool(), handleQueryDecisions(db, backend))
	s.AddTool(listModelsTool(), handleListModels(adapters))
	s.AddTool(setSessionModelsTool(), handleSetSessionModels(session))
	s.AddTool(graphStatsTool(), handleGraphStats(integration))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// buildAdapters constructs one Adapter per configured participant from
// DELIB_PARTICIPANTS (comma-separated "model@cli" pairs) and
// DELIB_ADAPTER_<CLI>_* environment variables, mirroring cmd/bud/main.go's
// env-var-driven wiring style. Every CLI name defaults to a subprocess
// adapter invoking a same-named binary unless DELIB_ADAPTER_<CLI>_URL is
// set, in which case an HTTP adapter is used instead.
func buildAdapters() map[string]deliberation.Adapter {
	adapters := map[string]deliberation.Adapter{}
	spec := os.Getenv("DELIB_PARTICIPANTS")
	if spec == "" {
		spec = "default@claude,default@gpt"
	}

	for _, entry := range splitAndTrim(spec, ",") {
		parts := splitAndTrim(entry, "@")
		if len(parts) != 2 {
			continue
		}
		model, cli := parts[0], parts[1]
		p := deliberation.Participant{CLI: cli, Model: model}

		envPrefix := "DELIB_ADAPTER_" + strings.ToUpper(cli)
		if url := os.Getenv(envPrefix + "_URL"); url != "" {
			adapters[p.String()] = deliberation.NewHTTPAdapter(deliberation.HTTPAdapterConfig{BaseURL: url})
			continue
		}

		command := os.Getenv(envPrefix + "_COMMAND")
		if command == "" {
			command = cli
		}
		adapters[p.String()] = deliberation.NewCLIAdapter(deliberation.CLIAdapterConfig{Command: command})
	}
	return adapters
}

// splitAndTrim splits s on sep, trims whitespace from each field, and
// drops empty fields.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, field := range strings.Split(s, sep) {
		field = strings.TrimSpace(field)
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}

// seedCorpus loads recent questions from storage to initialize the
// TF-IDF backend's document-frequency table at startup (spec §4.2: the
// TF-IDF tier needs a corpus; an empty graph degrades to token-Jaccard
// automatically).
func seedCorpus(db *graph.DB) ([]string, error) {
	nodes, err := db.ListNodes(2000, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Question
	}
	return out, nil
}

func deliberateTool() mcp.Tool {
	return mcp.NewTool("deliberate",
		mcp.WithDescription("Run a multi-participant deliberation over a question, across one or more rounds, with vote aggregation and convergence detection."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to deliberate")),
		mcp.WithString("participants", mcp.Description("Comma-separated model@cli pairs; defaults to the server's configured participant set")),
		mcp.WithNumber("rounds", mcp.Description("Number of rounds; 0 uses the server default")),
		mcp.WithString("mode", mcp.Description("quick or conference")),
		mcp.WithString("context", mcp.Description("Additional context injected into round 1")),
		mcp.WithString("working_directory", mcp.Description("Directory tool requests and file-tree injection resolve against")),
	)
}

func handleDeliberate(engine *deliberation.Engine, session *sessionModels) toolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		question, _ := args["question"].(string)
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}

		participants := parseParticipants(args["participants"])
		if len(participants) == 0 {
			participants = session.Defaults()
		}
		mode := deliberation.ModeQuick
		if m, _ := args["mode"].(string); m == string(deliberation.ModeConference) {
			mode = deliberation.ModeConference
		}
		rounds := 0
		if r, ok := args["rounds"].(float64); ok {
			rounds = int(r)
		}
		reqContext, _ := args["context"].(string)
		workingDirectory, _ := args["working_directory"].(string)

		result, err := engine.Execute(ctx, deliberation.DeliberateRequest{
			Question:         question,
			Participants:     participants,
			Rounds:           rounds,
			Mode:             mode,
			Context:          reqContext,
			WorkingDirectory: workingDirectory,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func parseParticipants(v any) []deliberation.Participant {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	var out []deliberation.Participant
	for _, entry := range splitAndTrim(s, ",") {
		parts := splitAndTrim(entry, "@")
		if len(parts) != 2 {
			continue
		}
		out = append(out, deliberation.Participant{Model: parts[0], CLI: parts[1]})
	}
	return out
}

func queryDecisionsTool() mcp.Tool {
	return mcp.NewTool("query_decisions",
		mcp.WithDescription("Find past decisions similar to a question, ranked by similarity."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to search for")),
		mcp.WithNumber("limit", mcp.Description("Max results; default 5")),
	)
}

func handleQueryDecisions(db *graph.DB, backend graph.Backend) toolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		question, _ := args["question"].(string)
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}
		limit := 5
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}

		nodes, err := db.ListNodes(1000, 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		questions := make([]string, len(nodes))
		for i, n := range nodes {
			questions[i] = n.Question
		}
		matches := backend.FindSimilar(question, questions, 0.0)
		if len(matches) > limit {
			matches = matches[:limit]
		}

		type resultEntry struct {
			Question string  `json:"question"`
			Score    float64 `json:"score"`
			Status   string  `json:"status"`
		}
		var out []resultEntry
		for _, m := range matches {
			out = append(out, resultEntry{Question: nodes[m.Index].Question, Score: m.Score, Status: string(nodes[m.Index].ConvergenceStatus)})
		}
		payload, _ := json.Marshal(out)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func listModelsTool() mcp.Tool {
	return mcp.NewTool("list_models",
		mcp.WithDescription("List the participant model@cli pairs currently configured on this server."),
	)
}

func handleListModels(adapters map[string]deliberation.Adapter) toolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		names := make([]string, 0, len(adapters))
		for name := range adapters {
			names = append(names, name)
		}
		payload, _ := json.Marshal(names)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func setSessionModelsTool() mcp.Tool {
	return mcp.NewTool("set_session_models",
		mcp.WithDescription("Override the default model used for one or more CLIs in subsequent deliberate calls that omit an explicit participants list. Pass a model name per cli, or null to remove that cli from the default participant set."),
		mcp.WithString("assignments", mcp.Required(), mcp.Description(`JSON object mapping cli name to model name or null, e.g. {"claude": "opus", "gpt": null}`)),
	)
}

// handleSetSessionModels updates the session's default participant set.
// assignments arrives as a JSON-encoded string rather than a nested
// object because mcp-go's WithString/WithObject schema helpers in this
// pack version only cover scalar argument shapes; decoding it ourselves
// keeps the tool schema within what mcp-go actually supports.
func handleSetSessionModels(session *sessionModels) toolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		raw, _ := args["assignments"].(string)
		if raw == "" {
			return mcp.NewToolResultError("assignments is required"), nil
		}

		var assignments map[string]*string
		if err := json.Unmarshal([]byte(raw), &assignments); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid assignments: %v", err)), nil
		}

		applied := map[string]string{}
		var rejected []string
		for cli, model := range assignments {
			if model == nil || *model == "" {
				session.Clear(cli)
				applied[cli] = ""
				continue
			}
			if !session.Set(cli, *model) {
				rejected = append(rejected, cli)
				continue
			}
			applied[cli] = *model
		}

		out := map[string]any{
			"applied":  applied,
			"rejected": rejected,
			"defaults": session.Defaults(),
		}
		payload, _ := json.Marshal(out)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func graphStatsTool() mcp.Tool {
	return mcp.NewTool("graph_stats",
		mcp.WithDescription("Report decision graph row counts, cache hit rate, and worker health."),
	)
}

func handleGraphStats(integration *graph.Integration) toolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := map[string]any{
			"stats":   integration.GraphStats(),
			"metrics": integration.GraphMetrics(),
			"health":  integration.HealthCheck(),
		}
		payload, _ := json.Marshal(out)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

