package job

import (
	"math/rand"
	"time"
)

// NextBackoff 计算第 attempt 次失败后的退避时长
//
// 基础值按指数增长并封顶：min(base * 2^attempt, cap)，基础值随 attempt 单调不减
// 抖动只做加法（[0, 基础值/4)），错开多实例同时到期造成的重试风暴；
// 抖动后的实际时长是独立随机量，相邻 attempt 之间可能出现回落
func NextBackoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if cap < base {
		cap = base
	}

	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= cap || backoff <= 0 { // 溢出保护
			backoff = cap
			break
		}
	}
	if backoff > cap {
		backoff = cap
	}

	jitter := time.Duration(0)
	if backoff >= 4 {
		jitter = time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff + jitter
}
