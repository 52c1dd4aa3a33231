// Command agentflow runs the agent execution service: the HTTP surface for
// starting, stopping and streaming agent runs, backed by MongoDB stores, the
// Redis control bus and the OpenAI model provider.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	sbopenai "github.com/sashabaranov/go-openai"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	busredis "goa.design/agentflow/features/bus/redis"
	modelopenai "goa.design/agentflow/features/model/openai"
	runmongo "goa.design/agentflow/features/run/mongo"
	streampulse "goa.design/agentflow/features/stream/pulse"
	threadmongo "goa.design/agentflow/features/thread/mongo"
	"goa.design/agentflow/runtime/api"
	"goa.design/agentflow/runtime/controller"
	"goa.design/agentflow/runtime/executor"
	"goa.design/agentflow/runtime/processor"
	"goa.design/agentflow/runtime/stream"
	"goa.design/agentflow/runtime/telemetry"
	"goa.design/agentflow/runtime/thread"
	"goa.design/agentflow/runtime/tools"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "redis unreachable at %s", cfg.Redis.Addr)
	}

	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf(ctx, err, "mongo connection failed")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "mongo disconnect failed")
		}
	}()

	threads, err := threadmongo.New(threadmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "thread store init failed")
	}
	runs, err := runmongo.New(runmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "run store init failed")
	}
	controlBus, err := busredis.New(busredis.Options{Client: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "control bus init failed")
	}
	pulseClient, err := streampulse.NewClient(streampulse.ClientOptions{Redis: rdb, StreamMaxLen: 10000})
	if err != nil {
		log.Fatalf(ctx, err, "pulse client init failed")
	}
	mirror, err := streampulse.NewMirror(streampulse.Options{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "event mirror init failed")
	}

	provider, err := modelopenai.New(modelopenai.Options{
		Client:       sbopenai.NewClient(cfg.OpenAI.APIKey),
		DefaultModel: cfg.OpenAI.Model,
	})
	if err != nil {
		log.Fatalf(ctx, err, "model provider init failed")
	}

	registry := tools.NewRegistry()
	registerBuiltinTools(ctx, registry)

	engine := executor.New(registry, executor.WithLogger(logger))
	proc := processor.New(registry, threads, engine, processor.WithLogger(logger))
	loop := newAgentLoop(proc, threads, provider, cfg.OpenAI.Model)

	ctrl := controller.New(
		cfg.InstanceID,
		runs,
		threads,
		controlBus,
		controlBus,
		loop,
		controller.WithLogger(logger),
		controller.WithPresenceTTL(cfg.PresenceTTL),
		controller.WithEventMirror(mirror.ForRun),
	)
	log.Print(ctx, log.KV{K: "instance_id", V: ctrl.InstanceID()})

	if err := ctrl.RecoverStale(ctx); err != nil {
		log.Fatalf(ctx, err, "crash recovery failed")
	}

	svc := api.New(ctrl, nil, api.WithLogger(logger))
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: svc.Handler()}

	errc := make(chan error)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		errc <- errors.New((<-sig).String())
	}()
	go func() {
		log.Print(ctx, log.KV{K: "listening", V: cfg.HTTPAddr})
		errc <- server.ListenAndServe()
	}()

	log.Printf(ctx, "exiting: %v", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "controller shutdown incomplete")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown incomplete")
	}
}

// newAgentLoop builds the per-run step: assemble the thread transcript, open
// a streaming completion and drive it through the processor.
func newAgentLoop(proc *processor.Processor, threads thread.Store, provider *modelopenai.Client, modelID string) controller.AgentLoop {
	return func(ctx context.Context, threadID string, sink stream.Sink) error {
		msgs, err := threads.ListMessages(ctx, threadID, thread.ListFilter{})
		if err != nil {
			return err
		}
		req := sbopenai.ChatCompletionRequest{
			Model:    modelID,
			Messages: toChatMessages(msgs),
		}
		llm, err := provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		cfg := processor.DefaultConfig()
		return proc.ProcessStream(ctx, threadID, llm, sink, cfg)
	}
}

// toChatMessages flattens thread messages into the provider's chat shape.
func toChatMessages(msgs []thread.Message) []sbopenai.ChatCompletionMessage {
	out := make([]sbopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := sbopenai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, p := range m.Parts {
			switch p.Type {
			case "text":
				cm.MultiContent = append(cm.MultiContent, sbopenai.ChatMessagePart{
					Type: sbopenai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case "image_url":
				if p.ImageURL == nil {
					continue
				}
				cm.MultiContent = append(cm.MultiContent, sbopenai.ChatMessagePart{
					Type: sbopenai.ChatMessagePartTypeImageURL,
					ImageURL: &sbopenai.ChatMessageImageURL{
						URL:    p.ImageURL.URL,
						Detail: sbopenai.ImageURLDetail(p.ImageURL.Detail),
					},
				})
			}
		}
		if len(cm.MultiContent) > 0 {
			cm.Content = ""
		}
		out = append(out, cm)
	}
	return out
}

// registerBuiltinTools wires the tools every deployment carries. The notify
// tool gives models a structured way to surface progress messages; hosts add
// their own tools alongside it.
func registerBuiltinTools(ctx context.Context, registry *tools.Registry) {
	err := registry.Register(tools.Registration{
		Name:        "message_notify_user",
		Description: "Send a progress message to the user without requiring a response.",
		InputSchema: `{
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"attachments": {"type": "string"}
			},
			"required": ["text"]
		}`,
		Markup: &tools.MarkupSchema{
			Tag: "message-notify-user",
			Mappings: []tools.Mapping{
				{Param: "text", Node: tools.NodeContent, Path: ".", Required: true},
				{Param: "attachments", Node: tools.NodeAttribute, Path: "attachments"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (tools.Result, error) {
			text, _ := args["text"].(string)
			return tools.Ok("NOTIFICATION: " + text), nil
		},
	})
	if err != nil {
		log.Fatalf(ctx, err, "builtin tool registration failed")
	}
}
