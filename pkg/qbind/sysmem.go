package qbind

// totalSystemMemory returns a best-effort estimate of total system memory,
// in bytes, used as the denominator for the §4.D retry-memory-pressure
// gate. Platform-specific implementations live in sysmem_linux.go and
// sysmem_other.go, mirroring the split between
// github.com/r2northstar/atlas's cmd/atlas/main.go and main_windows.go.
var totalSystemMemory = totalSystemMemoryImpl

// memoryPressureGate decides, from the process's view of total system
// memory, whether new Initials must present a valid Retry token (§4.D).
type memoryPressureGate struct {
	limitPercent float64
}

// Trip reports whether currentHandshakeMemory has crossed the configured
// percentage of total system memory.
func (g memoryPressureGate) Trip(currentHandshakeMemory uint64) bool {
	total := totalSystemMemory()
	if total == 0 {
		return false
	}
	limit := float64(total) * (g.limitPercent / 100)
	return float64(currentHandshakeMemory) >= limit
}
