// conf/validate.go settings validation.
package conf

import (
	"github.com/tphakala/birdsense-go/internal/errors"
)

// ValidateSettings checks the loaded settings for values that would prevent
// the sensor from operating correctly.
func ValidateSettings(settings *Settings) error {
	if settings.Sensor.Threshold < 0 || settings.Sensor.Threshold > 1 {
		return errors.Newf("sensor threshold must be between 0.0 and 1.0, got %f", settings.Sensor.Threshold).
			Component("configuration").
			Category(errors.CategoryValidation).
			Context("threshold", settings.Sensor.Threshold).
			Build()
	}

	if settings.Sensor.ErrorLimit < 1 {
		return errors.Newf("sensor error limit must be at least 1, got %d", settings.Sensor.ErrorLimit).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Sensor.SegmentDuration < 1 {
		return errors.Newf("segment duration must be at least 1 second, got %d", settings.Sensor.SegmentDuration).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Sensor.FallbackLatitude < -90 || settings.Sensor.FallbackLatitude > 90 {
		return errors.Newf("fallback latitude out of range: %f", settings.Sensor.FallbackLatitude).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Sensor.FallbackLongitude < -180 || settings.Sensor.FallbackLongitude > 180 {
		return errors.Newf("fallback longitude out of range: %f", settings.Sensor.FallbackLongitude).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Queue.MaxRetries < 1 {
		return errors.Newf("queue max retries must be at least 1, got %d", settings.Queue.MaxRetries).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Queue.Path == "" {
		return errors.Newf("queue path must not be empty").
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Classifier.Timeout < 1 {
		return errors.Newf("classifier timeout must be at least 1 second, got %d", settings.Classifier.Timeout).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	if settings.Backend.Timeout < 1 {
		return errors.Newf("backend timeout must be at least 1 second, got %d", settings.Backend.Timeout).
			Component("configuration").
			Category(errors.CategoryValidation).
			Build()
	}

	return nil
}
