package market

// Zone is a coarse trend label derived from recent price change.
type Zone string

const (
	ZoneNone     Zone = ""
	ZoneBullish  Zone = "Bullish"
	ZoneBearish  Zone = "Bearish"
	ZoneSideways Zone = "Sideways"
)

// Code maps the zone to the numeric feature fed to the selector model.
func (z Zone) Code() float64 {
	switch z {
	case ZoneBullish:
		return 1
	case ZoneBearish:
		return -1
	default:
		return 0
	}
}

// ClassifyZone labels the snapshot by the close-to-close % change over lookback bars:
// above +thresholdPct is Bullish, below -thresholdPct Bearish, otherwise Sideways.
// Snapshots shorter than lookback+1 bars get ZoneNone.
func ClassifyZone(s Snapshot, lookback int, thresholdPct float64) Zone {
	change, ok := PctChange(s.Closes(), lookback)
	if !ok {
		return ZoneNone
	}
	switch {
	case change > thresholdPct:
		return ZoneBullish
	case change < -thresholdPct:
		return ZoneBearish
	default:
		return ZoneSideways
	}
}
