package token

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"trashure-engine/services/actor"
	"trashure-engine/services/fraud"
)

// velocityCount counts the collector's submissions inside the rolling window.
// The token being submitted has no row yet, so it is added on top: the limit
// rule must see the window total as of this submission.
func (s *Service) velocityCount(ctx context.Context, collectorID string, now time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Token{}).
		Where("collector_id = ?", collectorID).
		Where("submitted_at > ?", now.Add(-s.cfg.Fraud.VelocityWindow)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// duplicateSiblings returns the sibling tokens of the same collector, vendor
// and waste type inside the duplicate window whose submitted weight lands
// within the tolerance band of this token's weight. An auto-lock cancels
// every member of the match, so the full rows come back, not just a count.
func (s *Service) duplicateSiblings(ctx context.Context, t *Token, now time.Time) ([]*Token, error) {
	var siblings []*Token
	err := s.db.WithContext(ctx).Model(&Token{}).
		Where("collector_id = ? AND vendor_id = ? AND waste_type = ?", t.CollectorID, t.VendorID, t.WasteType).
		Where("id <> ?", t.ID).
		Where("submitted_at > ?", now.Add(-s.cfg.Fraud.DuplicateWindow)).
		Find(&siblings).Error
	if err != nil {
		return nil, err
	}

	tolerance := decimal.NewFromFloat(s.cfg.Fraud.DuplicateTolerancePct).
		Div(decimal.NewFromInt(100)).
		Mul(t.WeightKg)

	matched := siblings[:0]
	for _, sibling := range siblings {
		if sibling.WeightKg.Sub(t.WeightKg).Abs().LessThanOrEqual(tolerance) {
			matched = append(matched, sibling)
		}
	}
	return matched, nil
}

// mismatchPct is the relative weight deviation in percent against the
// reference weight.
func mismatchPct(weight, reference decimal.Decimal) float64 {
	if reference.IsZero() {
		return 0
	}
	pct := weight.Sub(reference).Abs().
		Div(reference).
		Mul(decimal.NewFromInt(100))
	return pct.InexactFloat64()
}

// gpsFeatures reports whether the submission carries coordinates and how far
// they fall from the collector's service-area centroid.
func gpsFeatures(meta Metadata, collector *actor.Actor) (bool, float64) {
	if !meta.HasGPS() {
		return false, 0
	}
	distance := haversineKm(*meta.GPSLat, *meta.GPSLng, collector.CentroidLat, collector.CentroidLng)
	return true, distance
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func submitFeatures(velocity int64, hasGPS bool, distanceKm float64) fraud.Features {
	features := fraud.EmptyFeatures()
	features[fraud.FeatureVelocityCount] = velocity
	features[fraud.FeatureHasGPS] = hasGPS
	features[fraud.FeatureGPSDistanceKm] = distanceKm
	return features
}

func confirmFeatures(duplicates int64, mismatch float64) fraud.Features {
	features := fraud.EmptyFeatures()
	features[fraud.FeatureDuplicateCount] = duplicates
	features[fraud.FeatureMismatchPct] = mismatch
	return features
}

func receiveFeatures(mismatch float64) fraud.Features {
	features := fraud.EmptyFeatures()
	features[fraud.FeatureMismatchPct] = mismatch
	return features
}
