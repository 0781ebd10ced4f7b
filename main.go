package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"convoflow/internal/cache"
	"convoflow/internal/config"
	"convoflow/internal/flowstore"
	"convoflow/internal/logger"
	"convoflow/internal/navigation"
	"convoflow/internal/orchestrator"
	"convoflow/internal/storage"
	"convoflow/internal/validation"
	"convoflow/pkg"
)

const demoTemplateID = "onboarding"

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(settings.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	flows, err := flowstore.LoadFile(settings.FlowFile)
	if err != nil {
		logger.Error().Err(err).Str("file", settings.FlowFile).Msg("failed to load flow templates")
		os.Exit(1)
	}

	sessions, err := cache.New(settings.Cache)
	if err != nil {
		logger.Error().Err(err).Msg("invalid cache settings")
		os.Exit(1)
	}
	sessions.Start()
	defer sessions.Stop()

	// Persistence is best-effort: a missing or unreachable Redis leaves the
	// orchestrator running purely in-memory.
	var persist *storage.BestEffort
	if settings.Redis.URL != "" {
		redisStore, err := storage.NewRedisStore(ctx, settings.Redis.URL, settings.Redis.SessionTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, running in-memory only")
			persist = storage.NewBestEffort(storage.NewMemoryStore())
		} else {
			defer redisStore.Close()
			persist = storage.NewBestEffort(redisStore)
		}
	} else {
		persist = storage.NewBestEffort(storage.NewMemoryStore())
	}

	gate := validation.NewGate(settings.Validation)
	engine := navigation.NewEngine(sessions, flows, gate, persist)

	orch := orchestrator.New(engine, settings.Queue)
	orch.Start()
	defer orch.Stop()

	runConversation(ctx, orch, flows)
}

// runConversation drives a single demo session over stdin.
func runConversation(ctx context.Context, orch *orchestrator.Orchestrator, flows flowstore.Store) {
	flow := flows.GetFlow(demoTemplateID)
	if len(flow) == 0 {
		logger.Error().Str("template", demoTemplateID).Msg("demo template not found")
		return
	}

	tenantID := flow[0].TenantID
	request := pkg.NavigationRequest{
		SessionID:      "demo-session",
		UserID:         "demo-user",
		TenantID:       tenantID,
		ToNodeID:       flow[0].ID,
		NavigationType: pkg.NavigationGoto,
		TemplateID:     demoTemplateID,
	}

	fmt.Println("convoflow demo — type a message, ctrl-d to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		resp := orch.HandleRequest(ctx, request)
		fmt.Printf("bot> %s\n", resp.BotResponse)
		if resp.Error != "" {
			logger.Warn().Str("error", resp.Error).Msg("request ended with error")
		}
		if !resp.RequiresUserInput && resp.NextNodeID == "" {
			break
		}

		if resp.RequiresUserInput {
			fmt.Print("you> ")
			if !scanner.Scan() {
				break
			}
			request = pkg.NavigationRequest{
				SessionID:      request.SessionID,
				UserID:         request.UserID,
				TenantID:       tenantID,
				NavigationType: pkg.NavigationContinue,
				TemplateID:     demoTemplateID,
				UserInput:      strings.TrimSpace(scanner.Text()),
			}
		} else {
			request = pkg.NavigationRequest{
				SessionID:      request.SessionID,
				UserID:         request.UserID,
				TenantID:       tenantID,
				ToNodeID:       resp.NextNodeID,
				NavigationType: pkg.NavigationGoto,
				TemplateID:     demoTemplateID,
			}
		}
	}
	fmt.Println("conversation finished")
}
