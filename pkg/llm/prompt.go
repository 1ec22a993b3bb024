package llm

import "strings"

// PromptTemplate 描述把对话消息编码为单一 prompt 的角色标记格式。
// 标记是与模型约定的线上契约，按模型家族配置而不是写死。
type PromptTemplate struct {
	// 角色块的起始与结束标记
	RoleStart string
	RoleEnd   string
	// 块之间的连接符
	Separator string
	// 结尾追加的待续写角色
	AssistantRole string
}

// ChatMLTemplate 返回 ChatML 格式模板（适用于 Qwen、Mistral 等按该约定训练的模型）。
func ChatMLTemplate() PromptTemplate {
	return PromptTemplate{
		RoleStart:     "<|im_start|>",
		RoleEnd:       "<|im_end|>",
		Separator:     "\n",
		AssistantRole: "assistant",
	}
}

// Format 把消息列表确定性地编码为 prompt 字符串：
// 每条消息渲染为一个角色块，按原顺序连接，末尾追加一个未闭合的 assistant 块引导续写。
func (t PromptTemplate) Format(messages []Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, msg := range messages {
		var b strings.Builder
		b.WriteString(t.RoleStart)
		b.WriteString(msg.Role)
		b.WriteString("\n")
		b.WriteString(msg.Content)
		b.WriteString(t.RoleEnd)
		parts = append(parts, b.String())
	}
	parts = append(parts, t.RoleStart+t.AssistantRole+"\n")
	return strings.Join(parts, t.Separator)
}
