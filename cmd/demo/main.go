package main

import (
	"context"
	"fmt"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/hensu"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

func main() {
	ctx := context.Background()

	// 1) Environment (in-memory stores, stub agent provider)
	cfg := hensu.DefaultConfig()
	cfg.StubEnabled = true
	env, err := hensu.New(hensu.WithConfig(cfg))
	if err != nil {
		panic(err)
	}
	defer env.Shutdown(ctx)

	// 2) Script the stub so the run is deterministic
	env.Stub().Script("Draft", agent.TextResponse{Content: "Probes coast between worlds on gravity alone."})
	env.Stub().Script("Tighten", agent.TextResponse{Content: "Between worlds, probes coast on gravity alone."})

	// 3) A two-step writing workflow: draft, tighten, done
	wf := &workflow.Workflow{
		ID:          "demo.writer",
		Name:        "Demo Writer",
		StartNodeID: "draft",
		Agents:      map[string]agent.Config{"writer": {Model: "demo-model"}},
		Nodes: workflow.NodeSet{
			"draft": workflow.Standard{
				Base:    workflow.Base{ID: "draft", Transitions: workflow.Rules{workflow.SuccessRule{Target: "tighten"}}},
				AgentID: "writer",
				Prompt:  "Draft one sentence about {topic}.",
			},
			"tighten": workflow.Standard{
				Base:    workflow.Base{ID: "tighten", Transitions: workflow.Rules{workflow.SuccessRule{Target: "done"}}},
				AgentID: "writer",
				Prompt:  "Tighten this draft: {draft}",
			},
			"done": workflow.End{Base: workflow.Base{ID: "done"}, ExitStatus: state.StatusSuccess},
		},
	}

	// 4) Run to completion
	res, err := env.Start(ctx, wf, map[string]any{"topic": "interplanetary travel"})
	if err != nil {
		panic(err)
	}
	done, ok := res.(executor.Completed)
	if !ok {
		panic(fmt.Sprintf("unexpected terminal result %T", res))
	}
	fmt.Println("Execution:", done.State.ExecutionID)
	fmt.Println("Output:", done.Output)

	// 5) Replay the recorded event history
	evs, err := env.Events(ctx, done.State.ExecutionID)
	if err != nil {
		panic(err)
	}
	for ev := range evs {
		fmt.Println("Event:", ev.EventType())
	}
}
