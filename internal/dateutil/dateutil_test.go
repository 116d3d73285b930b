package dateutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectGranularity(t *testing.T) {
	cases := []struct {
		key      string
		wantOK   bool
		wantGran Granularity
	}{
		{"yyyy", true, Yearly},
		{"yyyymm", true, Monthly},
		{"yyyymmdd", true, Daily},
		{"yyyymmddhh", true, Hourly},
		{"start_yyyymmdd", true, Daily},
		{"end_yyyymmddhh", true, Hourly},
		{"table", false, 0},
		{"dataset", false, 0},
	}
	for _, c := range cases {
		gran, ok := DetectGranularity(c.key)
		assert.Equal(t, c.wantOK, ok, c.key)
		if ok {
			assert.Equal(t, c.wantGran, gran, c.key)
		}
	}
}

func TestHandleDate_SingleOffset(t *testing.T) {
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	got, err := HandleDate(base, Daily, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []string{base.Format("20060102")}, got)
}

func TestHandleDate_Range(t *testing.T) {
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	got, err := HandleDate(base, Daily, []int{-1, 0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "20260730", got[0])
	assert.Equal(t, "20260731", got[1])
}

func TestHandleDate_RangeOfOne(t *testing.T) {
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	got, err := HandleDate(base, Daily, []int{3, 3})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHandleDate_InvalidArity(t *testing.T) {
	_, err := HandleDate(time.Now(), Daily, []int{1, 2, 3})
	require.Error(t, err)
}

func TestSiblings(t *testing.T) {
	siblings, err := Siblings("yyyymmdd", Daily, "20260731")
	require.NoError(t, err)
	assert.Equal(t, "2026", siblings["yyyymmdd_yyyy"])
	assert.Equal(t, "26", siblings["yyyymmdd_yy"])
	assert.Equal(t, "07", siblings["yyyymmdd_mm"])
	assert.Equal(t, "31", siblings["yyyymmdd_dd"])
}

func TestSiblings_PrefixedKey(t *testing.T) {
	siblings, err := Siblings("start_yyyymmdd", Daily, "20260731")
	require.NoError(t, err)
	assert.Equal(t, "2026", siblings["start_yyyymmdd_yyyy"])
	assert.Equal(t, "07", siblings["start_yyyymmdd_mm"])
}

func TestSiblings_MonthlyHasNoYearShorthand(t *testing.T) {
	siblings, err := Siblings("yyyymm", Monthly, "202607")
	require.NoError(t, err)
	assert.Equal(t, "2026", siblings["yyyymm_yyyy"])
	assert.Equal(t, "07", siblings["yyyymm_mm"])
	_, hasYY := siblings["yyyymm_yy"]
	assert.False(t, hasYY)
}

func TestSiblings_HourlyHasHourNotYearShorthand(t *testing.T) {
	siblings, err := Siblings("yyyymmddhh", Hourly, "2026073114")
	require.NoError(t, err)
	assert.Equal(t, "2026", siblings["yyyymmddhh_yyyy"])
	assert.Equal(t, "07", siblings["yyyymmddhh_mm"])
	assert.Equal(t, "31", siblings["yyyymmddhh_dd"])
	assert.Equal(t, "14", siblings["yyyymmddhh_hh"])
	_, hasYY := siblings["yyyymmddhh_yy"]
	assert.False(t, hasYY)
}

func TestFormat(t *testing.T) {
	ref := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026", Format(ref, Yearly))
	assert.Equal(t, "202603", Format(ref, Monthly))
	assert.Equal(t, "20260305", Format(ref, Daily))
	assert.Equal(t, "2026030514", Format(ref, Hourly))
}
