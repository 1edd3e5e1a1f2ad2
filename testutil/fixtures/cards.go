// Package fixtures 提供测试用的卡片工厂与预置流程。
package fixtures

import (
	"github.com/BaSui01/cardflow/cards"
)

// SpyBackend is the backend id used by the fixture provider and model.
const SpyBackend = "spy"

// Fixture card ids.
const (
	PersonaID  = "persona.analyst"
	TaskID     = "task.summarize"
	ProviderID = "provider.spy"
	ModelID    = "model.spy"

	CapabilityID = "capability.reasoning"
	BindingID    = "binding.spy.reasoning"

	DiamondFlowID = "flow.diamond"

	LocalProfileID    = "profile.local"
	InfraProfileID    = "profile.infra"
	FallbackProfileID = "profile.fallback"
)

// Persona 返回分析师人设卡
func Persona() *cards.PersonaCard {
	return &cards.PersonaCard{
		Header:     cards.Header{Type: cards.KindPersona, ID: PersonaID, Version: 1},
		Identity:   "You are a careful analyst.",
		Voice:      "concise",
		Principles: []string{"cite sources"},
	}
}

// Task 返回摘要任务卡
func Task() *cards.TaskCard {
	return &cards.TaskCard{
		Header:             cards.Header{Type: cards.KindTask, ID: TaskID, Version: 1},
		Goal:               "Summarize the input.",
		AcceptanceCriteria: []string{"under 100 words"},
		Constraints:        []string{"no speculation"},
	}
}

// Provider 返回 spy 后端的 provider 卡
func Provider() *cards.ProviderConfigCard {
	return &cards.ProviderConfigCard{
		Header:  cards.Header{Type: cards.KindProvider, ID: ProviderID, Version: 1},
		Backend: SpyBackend,
	}
}

// ProviderFor 返回指定后端的 provider 卡
func ProviderFor(id, backend string) *cards.ProviderConfigCard {
	return &cards.ProviderConfigCard{
		Header:  cards.Header{Type: cards.KindProvider, ID: id, Version: 1},
		Backend: backend,
	}
}

// Model 返回 spy 后端的 model 卡
func Model() *cards.ModelCard {
	return ModelFor(ModelID, SpyBackend, "spy-1")
}

// ModelFor 返回指定后端的 model 卡
func ModelFor(id, backend, model string) *cards.ModelCard {
	return &cards.ModelCard{
		Header:  cards.Header{Type: cards.KindModel, ID: id, Version: 1},
		Backend: backend,
		Model:   model,
	}
}

// Capability 返回推理能力卡
func Capability() *cards.CapabilityCard {
	return &cards.CapabilityCard{
		Header:  cards.Header{Type: cards.KindCapability, ID: CapabilityID, Version: 1},
		Feature: "reasoning",
		Toggles: map[string]map[string]any{SpyBackend: {"effort": "low"}},
	}
}

// Binding 返回 model.spy 对推理能力的绑定卡
func Binding() *cards.CapabilityBindingCard {
	return &cards.CapabilityBindingCard{
		Header:       cards.Header{Type: cards.KindCapabilityBinding, ID: BindingID, Version: 1},
		ModelID:      ModelID,
		CapabilityID: CapabilityID,
		Params:       map[string]any{"effort": "high"},
	}
}

// Node 返回绑定 fixture persona/task/provider/model 的节点卡
func Node(id string) *cards.NodeCard {
	return &cards.NodeCard{
		Header:   cards.Header{Type: cards.KindNode, ID: id, Version: 1},
		Persona:  PersonaID,
		Task:     TaskID,
		Provider: ProviderID,
		Model:    ModelID,
	}
}

// Flow 返回流程卡
func Flow(id string, nodes []string, edges []cards.Edge, entry string, exits ...string) *cards.FlowCard {
	return &cards.FlowCard{
		Header: cards.Header{Type: cards.KindFlow, ID: id, Version: 1},
		Nodes:  nodes,
		Edges:  edges,
		Entry:  entry,
		Exits:  exits,
	}
}

// Edges builds edges from "from", "to" pairs.
func Edges(pairs ...string) []cards.Edge {
	out := make([]cards.Edge, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, cards.Edge{From: pairs[i], To: pairs[i+1]})
	}
	return out
}

// DiamondNodes are the node ids of the diamond flow.
var DiamondNodes = []string{"node.a", "node.b", "node.c", "node.d"}

// DiamondFlow 返回 A->B, A->C, B->D, C->D 的菱形流程
func DiamondFlow() *cards.FlowCard {
	return Flow(DiamondFlowID, DiamondNodes,
		Edges("node.a", "node.b", "node.a", "node.c", "node.b", "node.d", "node.c", "node.d"),
		"node.a", "node.d")
}

// Profile 返回运行配置卡，四项策略统一为 strategy
func Profile(id, strategy string, allowFallback bool) *cards.RunProfileCard {
	return &cards.RunProfileCard{
		Header:          cards.Header{Type: cards.KindRunProfile, ID: id, Version: 1},
		ArtifactStorage: strategy,
		SharedState:     strategy,
		PII:             strategy,
		Retrieval:       strategy,
		AllowFallback:   allowFallback,
	}
}

// BaseCards 返回 persona/task/provider/model/capability/binding 与三个运行配置
func BaseCards() []cards.Card {
	return []cards.Card{
		Persona(),
		Task(),
		Provider(),
		Model(),
		Capability(),
		Binding(),
		Profile(LocalProfileID, cards.StrategyLocal, false),
		Profile(InfraProfileID, cards.StrategyInfra, false),
		Profile(FallbackProfileID, cards.StrategyInfra, true),
	}
}

// DiamondCards 返回 BaseCards 加菱形流程的全部卡片
func DiamondCards() []cards.Card {
	out := BaseCards()
	for _, id := range DiamondNodes {
		out = append(out, Node(id))
	}
	return append(out, DiamondFlow())
}

// MustRegistry 构建注册表，失败时 panic
func MustRegistry(cs ...cards.Card) *cards.Registry {
	r, err := cards.NewRegistry(cs...)
	if err != nil {
		panic(err)
	}
	return r
}
