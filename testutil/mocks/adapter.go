// SpyAdapter 是后端适配器的测试替身。
//
// 记录每次就绪检查与调用，支持固定响应、流式输出、错误与 panic 注入。
package mocks

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/llm"
)

// SpyAdapter 是 llm.Adapter 的模拟实现
type SpyAdapter struct {
	mu sync.Mutex

	backend   string
	readiness llm.Readiness
	response  string
	finish    string
	usage     llm.Usage
	err       *llm.BackendError
	chunks    []string
	delay     time.Duration
	panicMsg  string
	invokeFn  func(ctx context.Context, req *llm.InvokeRequest) *llm.InvokeResult

	calls          []*llm.InvokeRequest
	streamCalls    int
	readinessCalls int
	specs          []llm.ProviderSpec
}

var _ llm.Adapter = (*SpyAdapter)(nil)

// NewSpyAdapter 创建 READY 状态、返回 "ok" 的适配器
func NewSpyAdapter(backend string) *SpyAdapter {
	return &SpyAdapter{
		backend:   backend,
		readiness: llm.Ready(),
		response:  "ok",
		finish:    llm.FinishStop,
	}
}

// --- Builder 方法 ---

// WithResponse 设置固定响应
func (s *SpyAdapter) WithResponse(content string) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = content
	return s
}

// WithFinishReason 设置结束原因
func (s *SpyAdapter) WithFinishReason(finish string) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish = finish
	return s
}

// WithUsage 设置 Token 用量
func (s *SpyAdapter) WithUsage(u llm.Usage) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = u
	return s
}

// WithError 设置后端错误
func (s *SpyAdapter) WithError(err *llm.BackendError) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// WithReadiness 设置就绪状态
func (s *SpyAdapter) WithReadiness(r llm.Readiness) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness = r
	return s
}

// WithStreamChunks 设置流式 token 块
func (s *SpyAdapter) WithStreamChunks(chunks ...string) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = chunks
	return s
}

// WithDelay 设置调用延迟，延迟期间响应取消
func (s *SpyAdapter) WithDelay(d time.Duration) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// WithPanic 让 Invoke 以 msg panic
func (s *SpyAdapter) WithPanic(msg string) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panicMsg = msg
	return s
}

// WithInvokeFunc 设置自定义调用函数
func (s *SpyAdapter) WithInvokeFunc(fn func(ctx context.Context, req *llm.InvokeRequest) *llm.InvokeResult) *SpyAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokeFn = fn
	return s
}

// Factory 返回始终产出该 SpyAdapter 的工厂
func (s *SpyAdapter) Factory() llm.Factory {
	return func(spec llm.ProviderSpec, _ *zap.Logger) (llm.Adapter, error) {
		s.mu.Lock()
		s.specs = append(s.specs, spec)
		s.mu.Unlock()
		return s, nil
	}
}

// --- llm.Adapter 实现 ---

func (s *SpyAdapter) Backend() string { return s.backend }

func (s *SpyAdapter) CheckReadiness(context.Context) llm.Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readinessCalls++
	return s.readiness
}

func (s *SpyAdapter) record(req *llm.InvokeRequest, stream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if stream {
		s.streamCalls++
	}
}

func (s *SpyAdapter) wait(ctx context.Context) *llm.BackendError {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return llm.NewBackendError(s.backend, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

func (s *SpyAdapter) Invoke(ctx context.Context, req *llm.InvokeRequest) *llm.InvokeResult {
	s.record(req, false)
	s.mu.Lock()
	panicMsg, fn := s.panicMsg, s.invokeFn
	s.mu.Unlock()
	if panicMsg != "" {
		panic(panicMsg)
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if berr := s.wait(ctx); berr != nil {
		return llm.ErrorResult(berr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return llm.ErrorResult(s.err)
	}
	return &llm.InvokeResult{
		Role:         llm.RoleAssistant,
		Content:      s.response,
		Usage:        s.usage,
		FinishReason: s.finish,
	}
}

func (s *SpyAdapter) InvokeStream(ctx context.Context, req *llm.InvokeRequest) (llm.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.record(req, true)
	s.mu.Lock()
	chunks := append([]string(nil), s.chunks...)
	if len(chunks) == 0 {
		chunks = strings.SplitAfter(s.response, " ")
	}
	finish, berr := s.finish, s.err
	s.mu.Unlock()

	return llm.NewStream(ctx, s.backend, 100*time.Millisecond, func(ctx context.Context, emit llm.Emitter) (string, *llm.BackendError) {
		if berr := s.wait(ctx); berr != nil {
			return llm.FinishError, berr
		}
		for _, c := range chunks {
			if err := emit(llm.StreamChunk{Kind: llm.ChunkToken, Text: c}); err != nil {
				return llm.FinishCancelled, llm.NewBackendError(s.backend, err)
			}
		}
		if berr != nil {
			return llm.FinishError, berr
		}
		return finish, nil
	}), nil
}

// --- 调用记录 ---

// Calls 返回全部调用请求
func (s *SpyAdapter) Calls() []*llm.InvokeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.InvokeRequest(nil), s.calls...)
}

// CallCount 返回调用次数（含流式）
func (s *SpyAdapter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// StreamCallCount 返回流式调用次数
func (s *SpyAdapter) StreamCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCalls
}

// ReadinessCalls 返回就绪检查次数
func (s *SpyAdapter) ReadinessCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readinessCalls
}

// Specs 返回工厂收到的 ProviderSpec
func (s *SpyAdapter) Specs() []llm.ProviderSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.ProviderSpec(nil), s.specs...)
}

// Reset 清空调用记录
func (s *SpyAdapter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.streamCalls = 0
	s.readinessCalls = 0
	s.specs = nil
}
