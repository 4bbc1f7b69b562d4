// Package timeout defines centralized timeout constants for AI operations.
// Package timeout 定义 AI 操作的集中式超时常量。
package timeout

import "time"

// AI operation timeout constants.
// AI 操作超时常量。
const (
	// TurnTimeout bounds one inbound turn, including lock wait, generation and persistence.
	// TurnTimeout 是单轮对话（含加锁、生成和持久化）的超时时间。
	TurnTimeout = 2 * time.Minute

	// GeneratorTimeout is the default per-attempt timeout of a generator call.
	// GeneratorTimeout 是单次生成调用的默认超时时间。
	GeneratorTimeout = 30 * time.Second

	// ToolExecutionTimeout is the timeout for individual tool execution.
	// ToolExecutionTimeout 是单个工具执行的超时时间。
	ToolExecutionTimeout = 30 * time.Second

	// PersistTimeout bounds checkpoint writes issued after the caller went away.
	// PersistTimeout 是请求取消后写入检查点的超时时间。
	PersistTimeout = 10 * time.Second

	// DefaultMaxIterations is the default cap of generate, act, observe rounds.
	// DefaultMaxIterations 是工具调用循环的默认最大迭代次数。
	DefaultMaxIterations = 10

	// DefaultToolFanOut is the default number of tool calls run in parallel within one batch.
	DefaultToolFanOut = 4

	// MaxTruncateLength is the maximum length for truncating strings in logs.
	// MaxTruncateLength 是日志中字符串截断的最大长度。
	MaxTruncateLength = 200
)
