package processing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/ovalboard/lapboard-service-go/pkg/model"
)

// ParseLapDigits derives the two display digits from a lap time.
// Accepted inputs: numeric seconds, "minutes:seconds[.fraction]" or a bare
// numeric string. Malformed or absent values yield nil digits.
func ParseLapDigits(lapTime any) model.LapDigits {
	totalSeconds, ok := lapTimeSeconds(lapTime)
	if !ok {
		return model.LapDigits{}
	}
	secondsDigit := int(math.Floor(totalSeconds)) % 10
	tenthsDigit := int(math.Floor(math.Mod(totalSeconds, 1) * 10))
	return model.LapDigits{SecondsDigit: &secondsDigit, TenthsDigit: &tenthsDigit}
}

//nolint:cyclop // plain type switch
func lapTimeSeconds(lapTime any) (float64, bool) {
	switch val := lapTime.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		if val == "" {
			return 0, false
		}
		if parts := strings.Split(val, ":"); len(parts) == 2 {
			minutes, err := strconv.Atoi(parts[0])
			if err != nil {
				minutes = 0
			}
			seconds, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				seconds = 0
			}
			return float64(minutes)*60 + seconds, true
		}
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
