// Command taskmesh runs a demo workflow through the orchestration engine:
// stub capability executors, lifecycle events on the bus, and the outbox
// persisting governed snapshots into the configured store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/WenQiao97/taskmesh"
	"github.com/WenQiao97/taskmesh/config"
	"github.com/WenQiao97/taskmesh/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	parallel := flag.Bool("parallel", false, "run the demo workflow in parallel mode")
	flag.Parse()

	if err := run(*configPath, *parallel); err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, parallel bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	engine, err := taskmesh.New(cfg,
		taskmesh.WithExecutor(orchestrator.AgentCodeAnalysis, stubExecutor("analyzed 12 files, 3 findings")),
		taskmesh.WithExecutor(orchestrator.AgentTestGeneration, stubExecutor("generated 8 test cases")),
		taskmesh.WithExecutor(orchestrator.AgentDocumentation, stubExecutor("updated 2 documents")),
		taskmesh.WithExecutor(orchestrator.AgentSecurity, stubExecutor("no critical vulnerabilities")),
	)
	if err != nil {
		return err
	}

	wf, err := orchestrator.NewWorkflowBuilder("demo", "Demo capability sweep").
		Description("code analysis feeding test generation, docs and security").
		Parallel(parallel).
		Timeout(2 * time.Minute).
		AddCodeAnalysis("analyze", map[string]any{"repo": "example/repo"}).
		AddTestGeneration("tests", map[string]any{"coverage": "changed"}, "analyze").
		AddDocumentation("docs", map[string]any{"format": "markdown"}, "analyze").
		AddSecurity("security", map[string]any{"depth": "standard"}, "analyze").
		Build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	result, err := engine.Orchestrator.ExecuteWorkflow(ctx, wf)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return engine.Shutdown(shutdownCtx)
}

// stubExecutor 返回固定摘要的演示执行器
func stubExecutor(summary string) orchestrator.ExecutorFunc {
	return func(ctx context.Context, input any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		return map[string]any{"summary": summary, "input": input}, nil
	}
}
