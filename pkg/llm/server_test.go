package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"llm-webui-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLlamaServer 模拟 llama-server 的 /health 与 /completion。
type fakeLlamaServer struct {
	fragments []string
	// inFlight 用于断言生成调用从不并发
	inFlight   int32
	violations int32
}

func (f *fakeLlamaServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&f.inFlight, 1) > 1 {
			atomic.AddInt32(&f.violations, 1)
		}
		defer atomic.AddInt32(&f.inFlight, -1)
		// 留出足以让并发请求重叠的窗口
		time.Sleep(20 * time.Millisecond)

		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for i, frag := range f.fragments {
				chunk := completionChunk{Content: frag}
				if i == len(f.fragments)-1 {
					chunk.Stop = true
					chunk.TokensPredicted = 7
					chunk.TokensEvaluated = 3
				}
				b, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
			}
			return
		}

		full := strings.Join(f.fragments, "")
		_ = json.NewEncoder(w).Encode(completionChunk{
			Content:         full,
			Stop:            true,
			TokensPredicted: 7,
			TokensEvaluated: 3,
		})
	})
	return mux
}

func newTestRuntime(t *testing.T, fake *fakeLlamaServer) Runtime {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	rt := NewServerRuntime(
		config.ModelConfig{Dir: t.TempDir(), DefaultModel: "model.gguf"},
		// bin 为空：连接已运行的（这里是伪造的）llama-server
		config.RuntimeConfig{Addr: strings.TrimPrefix(srv.URL, "http://"), StartupTimeout: 5},
	)
	require.NoError(t, rt.Load(context.Background()))
	return rt
}

func TestGenerateBeforeLoad(t *testing.T) {
	rt := NewServerRuntime(config.ModelConfig{}, config.RuntimeConfig{Addr: "127.0.0.1:1"})

	_, err := rt.Generate(context.Background(), "hi", GenerationParams{})
	assert.ErrorIs(t, err, ErrModelNotLoaded)

	_, err = rt.GenerateStream(context.Background(), "hi", GenerationParams{}, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestGenerate(t *testing.T) {
	rt := newTestRuntime(t, &fakeLlamaServer{fragments: []string{"Hello", ", ", "world"}})

	res, err := rt.Generate(context.Background(), "prompt", GenerationParams{MaxTokens: 16})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", res.Text)
	assert.Equal(t, 10, res.TokensUsed)
}

// 流式片段按到达顺序拼接后必须与同输入的同步结果一致。
func TestGenerateStreamMatchesGenerate(t *testing.T) {
	fake := &fakeLlamaServer{fragments: []string{"答案", "是", " 42"}}
	rt := newTestRuntime(t, fake)

	buffered, err := rt.Generate(context.Background(), "prompt", GenerationParams{})
	require.NoError(t, err)

	var got []string
	streamed, err := rt.GenerateStream(context.Background(), "prompt", GenerationParams{}, func(frag string) error {
		got = append(got, frag)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, fake.fragments, got)
	assert.Equal(t, buffered.Text, strings.Join(got, ""))
	assert.Equal(t, buffered.Text, streamed.Text)
	assert.Equal(t, buffered.TokensUsed, streamed.TokensUsed)
}

func TestGenerateStreamCallbackError(t *testing.T) {
	rt := newTestRuntime(t, &fakeLlamaServer{fragments: []string{"a", "b", "c"}})

	seen := 0
	_, err := rt.GenerateStream(context.Background(), "prompt", GenerationParams{}, func(string) error {
		seen++
		if seen == 2 {
			return context.Canceled
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, seen)
}

// 对同一模型句柄的生成调用必须串行执行。
func TestGenerationSerialized(t *testing.T) {
	fake := &fakeLlamaServer{fragments: []string{"ok"}}
	rt := newTestRuntime(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(streaming bool) {
			defer wg.Done()
			if streaming {
				_, err := rt.GenerateStream(context.Background(), "p", GenerationParams{}, func(string) error { return nil })
				assert.NoError(t, err)
			} else {
				_, err := rt.Generate(context.Background(), "p", GenerationParams{})
				assert.NoError(t, err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&fake.violations), "generation calls overlapped")
}

func TestUnloadIdempotent(t *testing.T) {
	rt := newTestRuntime(t, &fakeLlamaServer{fragments: []string{"x"}})

	rt.Unload()
	assert.False(t, rt.Loaded())
	// 对已卸载的模型再次卸载是空操作
	rt.Unload()

	_, err := rt.Generate(context.Background(), "p", GenerationParams{})
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}
