package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"llm-webui-go/internal/config"
	"llm-webui-go/pkg/log"
)

// serverRuntime 通过托管一个 llama-server 子进程来提供推理能力。
// Load 启动进程并等待就绪，Unload 终止进程；推理走本机 HTTP /completion。
// bin 配置为空时不托管进程，直接连接已在 addr 运行的 llama-server。
type serverRuntime struct {
	modelCfg   config.ModelConfig
	runtimeCfg config.RuntimeConfig
	client     *http.Client

	// genMu 串行化所有生成调用：底层运行时对单一模型句柄不可重入
	genMu sync.Mutex

	// stateMu 保护进程句柄与加载状态
	stateMu sync.Mutex
	cmd     *exec.Cmd
	loaded  bool
}

// NewServerRuntime 创建一个基于 llama-server 的 Runtime。
func NewServerRuntime(modelCfg config.ModelConfig, runtimeCfg config.RuntimeConfig) Runtime {
	return &serverRuntime{
		modelCfg:   modelCfg,
		runtimeCfg: runtimeCfg,
		// 生成可能耗时很长，不在客户端设置超时；需要限时的调用方自带 ctx
		client: &http.Client{},
	}
}

// Load 启动推理进程（若托管）并轮询 /health 直到就绪。
func (r *serverRuntime) Load(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.loaded {
		return nil
	}

	if r.runtimeCfg.Bin != "" {
		host, port, err := net.SplitHostPort(r.runtimeCfg.Addr)
		if err != nil {
			return fmt.Errorf("invalid runtime addr %q: %w", r.runtimeCfg.Addr, err)
		}
		cmd := exec.Command(r.runtimeCfg.Bin,
			"-m", r.modelCfg.Path(),
			"--host", host,
			"--port", port,
			"-c", strconv.Itoa(r.modelCfg.NCtx),
			"-ngl", strconv.Itoa(r.modelCfg.NGPULayers),
			"-t", strconv.Itoa(r.modelCfg.NThreads),
		)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start llama-server: %w", err)
		}
		r.cmd = cmd
		log.Infof("llama-server started (pid=%d, model=%s)", cmd.Process.Pid, r.modelCfg.Path())
	}

	timeout := time.Duration(r.runtimeCfg.StartupTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if err := r.waitHealthy(ctx, timeout); err != nil {
		r.stopProcessLocked()
		return fmt.Errorf("llama-server did not become healthy: %w", err)
	}

	r.loaded = true
	log.Info("model loaded successfully")
	return nil
}

// waitHealthy 轮询 /health 直到返回 200 或超时。
func (r *serverRuntime) waitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL()+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return fmt.Errorf("health check timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unload 终止推理进程并释放模型内存；对已卸载的运行时是空操作。
func (r *serverRuntime) Unload() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if !r.loaded && r.cmd == nil {
		return
	}
	r.stopProcessLocked()
	r.loaded = false
	log.Info("model unloaded")
}

func (r *serverRuntime) stopProcessLocked() {
	if r.cmd == nil || r.cmd.Process == nil {
		r.cmd = nil
		return
	}
	if err := r.cmd.Process.Kill(); err != nil {
		log.Warnf("failed to kill llama-server process: %v", err)
	}
	_ = r.cmd.Wait()
	r.cmd = nil
}

// Loaded 报告模型当前是否可用。
func (r *serverRuntime) Loaded() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.loaded
}

// ModelPath 返回已配置模型文件的路径。
func (r *serverRuntime) ModelPath() string {
	return r.modelCfg.Path()
}

// completionRequest 对应 llama-server /completion 的请求体。
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

// completionChunk 对应 /completion 的响应（整体或单个流式分块）。
type completionChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

// Generate 同步生成完整回复。
func (r *serverRuntime) Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error) {
	if !r.Loaded() {
		return nil, ErrModelNotLoaded
	}

	r.genMu.Lock()
	defer r.genMu.Unlock()

	resp, err := r.postCompletion(ctx, prompt, params, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chunk completionChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	return &Result{
		Text:       chunk.Content,
		TokensUsed: chunk.TokensPredicted + chunk.TokensEvaluated,
	}, nil
}

// GenerateStream 流式生成；逐行解析 SSE 分块并按到达顺序回调。
func (r *serverRuntime) GenerateStream(ctx context.Context, prompt string, params GenerationParams, onFragment func(fragment string) error) (*Result, error) {
	if !r.Loaded() {
		return nil, ErrModelNotLoaded
	}

	r.genMu.Lock()
	defer r.genMu.Unlock()

	resp, err := r.postCompletion(ctx, prompt, params, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	result := &Result{}
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				break
			}
			continue
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			if err := onFragment(chunk.Content); err != nil {
				return nil, err
			}
		}
		if chunk.Stop {
			result.TokensUsed = chunk.TokensPredicted + chunk.TokensEvaluated
			break
		}
	}

	result.Text = full.String()
	return result, nil
}

func (r *serverRuntime) postCompletion(ctx context.Context, prompt string, params GenerationParams, stream bool) (*http.Response, error) {
	reqBody := completionRequest{
		Prompt:      prompt,
		NPredict:    params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		Stop:        params.Stop,
		Stream:      stream,
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL()+"/completion", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call completion api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("completion api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

func (r *serverRuntime) baseURL() string {
	return "http://" + r.runtimeCfg.Addr
}
