package qualify

import "github.com/sells-group/rfp-pipeline/internal/model"

// ScreenThreshold returns the minimum Stage A score that forwards an
// item to deep analysis. The threshold adapts to volume so Stage B load
// stays roughly flat: small batches can afford to look at marginal
// items, huge batches cannot.
//
// Test mode pins the floor low so dry runs exercise both stages;
// overkill pins it low to analyze nearly everything.
func ScreenThreshold(mode model.RunMode, volume int) int {
	switch mode {
	case model.ModeTest, model.ModeOverkill:
		return 3
	}

	switch {
	case volume < 300:
		return 4
	case volume < 600:
		return 5
	case volume < 1000:
		return 6
	default:
		return 7
	}
}
