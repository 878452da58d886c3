// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "BirdSense-Go")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "birdsense.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)

	viper.SetDefault("sensor.deviceid", "")
	viper.SetDefault("sensor.threshold", 0.9)
	viper.SetDefault("sensor.targets", []string{"lathamus", "swift parrot"})
	viper.SetDefault("sensor.fallbacklatitude", 0.000)
	viper.SetDefault("sensor.fallbacklongitude", 0.000)
	viper.SetDefault("sensor.segmentduration", 5)
	viper.SetDefault("sensor.errorlimit", 5)
	viper.SetDefault("sensor.errorcooldown", 30)
	viper.SetDefault("sensor.locationfile", "")

	viper.SetDefault("classifier.endpoint", "http://localhost:8080")
	viper.SetDefault("classifier.modelname", "BirdNET")
	viper.SetDefault("classifier.timeout", 30)

	viper.SetDefault("backend.url", "")
	viper.SetDefault("backend.apikey", "")
	viper.SetDefault("backend.bucket", "audio-detections")
	viper.SetDefault("backend.table", "detections")
	viper.SetDefault("backend.timeout", 45)

	viper.SetDefault("queue.path", "queue/pending.json")
	viper.SetDefault("queue.maxretries", 10)
	viper.SetDefault("queue.draininterval", 60)

	viper.SetDefault("capture.path", "segments/")
	viper.SetDefault("capture.extension", "wav")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "birdsense.db")
}
