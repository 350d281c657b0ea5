// Package location turns raw position fixes into the obfuscated points that
// circle members share.
//
// A raw (latitude, longitude) pair is rounded to a configured number of
// decimal places, a precision-8 geohash is computed from the rounded point,
// and an expiry 24 hours ahead is attached:
//
//	loc := location.Obfuscate(37.7749295, -122.4194155, location.Enhanced)
//	// loc.Latitude == 37.77493, loc.Longitude == -122.41942
//
// Coordinates that are not finite or lie outside the valid range are
// replaced by 0.0 rather than reported as errors, so a broken sensor reading
// never surfaces as a failure.
//
// Device metadata (accuracy, altitude, speed, heading, device id) can ride
// along in memory via [PrivateMetadata] but is never serialized.
package location
