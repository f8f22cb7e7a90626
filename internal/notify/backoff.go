package notify

import "time"

const (
	// defaultInitialBackoff は再送の初回遅延。
	defaultInitialBackoff = time.Second
	// defaultMaxBackoff は再送遅延の上限。
	defaultMaxBackoff = time.Minute
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// initialから2倍ずつ増加し、maxで頭打ちになる。
func CalculateBackoff(failures int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	return delay
}
