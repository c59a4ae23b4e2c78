package engagement

import (
	"strings"
	"time"

	"github.com/clipscommerce/improvement/internal/stats"
)

// NumFeatures is the fixed width of the feature vector.
const NumFeatures = 7

// Feature positions
const (
	FeatLikeRatio = iota
	FeatCommentRatio
	FeatShareRatio
	FeatCaptionLength
	FeatHashtagCount
	FeatTimeOfDay
	FeatDayOfWeek
)

// Features is one model input row.
type Features [NumFeatures]float64

// Sample is a historical post with its observed engagement.
type Sample struct {
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	Shares         int64     `json:"shares"`
	Views          int64     `json:"views"`
	Caption        string    `json:"caption"`
	Hashtags       []string  `json:"hashtags"`
	PostedAt       time.Time `json:"posted_at"`
	EngagementRate float64   `json:"engagement_rate"`
}

// ExtractFeatures builds [likeRatio, commentRatio, shareRatio,
// captionLength/100, hashtagCount, timeOfDay, dayOfWeek]. Ratios are over
// views (0 when there are none). A zero PostedAt maps both time features to
// 0.5.
func ExtractFeatures(s Sample) Features {
	var f Features
	if s.Views > 0 {
		views := float64(s.Views)
		f[FeatLikeRatio] = float64(s.Likes) / views
		f[FeatCommentRatio] = float64(s.Comments) / views
		f[FeatShareRatio] = float64(s.Shares) / views
	}
	f[FeatCaptionLength] = float64(len([]rune(s.Caption))) / 100

	tags := len(s.Hashtags)
	if s.Hashtags == nil {
		for _, w := range strings.Fields(s.Caption) {
			if strings.HasPrefix(w, "#") && len(w) > 1 {
				tags++
			}
		}
	}
	f[FeatHashtagCount] = float64(tags)

	if s.PostedAt.IsZero() {
		f[FeatTimeOfDay] = 0.5
		f[FeatDayOfWeek] = 0.5
	} else {
		t := s.PostedAt
		f[FeatTimeOfDay] = float64(t.Hour()*60+t.Minute()) / (24*60 - 1)
		f[FeatDayOfWeek] = float64(t.Weekday()) / 6
	}
	return f
}

// Normalization is the per-feature z-score transform captured at training
// time.
type Normalization struct {
	Mean Features `json:"mean"`
	Std  Features `json:"std"`
}

// Apply z-scores one row.
func (n Normalization) Apply(f Features) Features {
	var out Features
	for i := range f {
		out[i] = (f[i] - n.Mean[i]) / n.Std[i]
	}
	return out
}

// Normalize z-scores rows using population mean and standard deviation.
// Zero deviation is replaced by 1.
func Normalize(rows []Features) ([]Features, Normalization) {
	var norm Normalization
	col := make([]float64, len(rows))
	for i := 0; i < NumFeatures; i++ {
		for r := range rows {
			col[r] = rows[r][i]
		}
		norm.Mean[i] = stats.Mean(col)
		norm.Std[i] = stats.PopulationStdDev(col)
		if norm.Std[i] == 0 {
			norm.Std[i] = 1
		}
	}

	out := make([]Features, len(rows))
	for r := range rows {
		out[r] = norm.Apply(rows[r])
	}
	return out, norm
}
