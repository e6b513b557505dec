package presence

import "unicode/utf16"

var palette = []string{"#ef4444", "#f97316", "#22c55e", "#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899"}

// ColorFor 按显示名稳定地分配颜色，同一个名字在所有客户端看到的颜色一致
func ColorFor(name string) string {
	var hash int32
	// 按 UTF-16 码元计算，和前端 charCodeAt 的结果保持一致
	for _, u := range utf16.Encode([]rune(name)) {
		hash = int32(u) + ((hash << 5) - hash)
	}
	h := int64(hash)
	if h < 0 {
		h = -h
	}
	return palette[h%int64(len(palette))]
}
