package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("gclip.home", filepath.Join(xdg.Home, ".gclip"))
	v.SetDefault("storage.cache_dir", filepath.Join(xdg.CacheHome, "gclip", "Video"))

	v.SetDefault("recording.max_duration", "10s")
	v.SetDefault("recording.bits_per_pixel", 12.0)
	v.SetDefault("recording.frame_rate", 15)
	v.SetDefault("recording.key_frame_interval", 15)
	v.SetDefault("recording.audio_sample_rate", 22050)
	v.SetDefault("recording.audio_channels", 1)
	v.SetDefault("recording.audio_bitrate_per_channel", 28000)
	v.SetDefault("recording.queue_size", 512)
	v.SetDefault("recording.fragment_duration", "1s")
	// Keep the untrimmed recording when the export fails instead of losing it
	v.SetDefault("recording.keep_untrimmed_on_failure", true)

	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.serial", "")

	v.SetDefault("scrcpy.server_path", "")
	v.SetDefault("scrcpy.version", "3.3.1") // must match the pushed jar
	v.SetDefault("scrcpy.camera_facing", "back")
	v.SetDefault("scrcpy.camera_size", "")

	// Environment variables
	v.SetEnvPrefix("GCLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("gclip.home", "GCLIP_HOME")
	v.BindEnv("storage.cache_dir", "GCLIP_CACHE_DIR")
	v.BindEnv("device.adb_path", "GCLIP_ADB_PATH", "ADB")
	v.BindEnv("device.serial", "GCLIP_SERIAL", "ANDROID_SERIAL")
	v.BindEnv("scrcpy.server_path", "GCLIP_SCRCPY_SERVER", "SCRCPY_SERVER_PATH")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.gclip",
		"/etc/gclip",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// Set overrides a value at runtime, e.g. from a command line flag.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// GetHome returns the gclip home directory
func GetHome() string {
	return v.GetString("gclip.home")
}

// GetCacheDir returns the directory intermediate and exported recordings live in
func GetCacheDir() string {
	return v.GetString("storage.cache_dir")
}

// GetMaxDuration returns how long a trimmed recording may be
func GetMaxDuration() time.Duration {
	return v.GetDuration("recording.max_duration")
}

func GetBitsPerPixel() float64 {
	return v.GetFloat64("recording.bits_per_pixel")
}

func GetFrameRate() int {
	return v.GetInt("recording.frame_rate")
}

func GetKeyFrameInterval() int {
	return v.GetInt("recording.key_frame_interval")
}

func GetAudioSampleRate() int {
	return v.GetInt("recording.audio_sample_rate")
}

func GetAudioChannels() int {
	return v.GetInt("recording.audio_channels")
}

func GetAudioBitratePerChannel() int {
	return v.GetInt("recording.audio_bitrate_per_channel")
}

// GetQueueSize returns the per-recording sample queue length
func GetQueueSize() int {
	return v.GetInt("recording.queue_size")
}

// GetFragmentDuration returns the media duration buffered per MP4 fragment
func GetFragmentDuration() time.Duration {
	return v.GetDuration("recording.fragment_duration")
}

func GetKeepUntrimmedOnFailure() bool {
	return v.GetBool("recording.keep_untrimmed_on_failure")
}

// GetADBPath returns the adb executable
func GetADBPath() string {
	return v.GetString("device.adb_path")
}

// GetDeviceSerial returns the default device serial, empty for "the only one"
func GetDeviceSerial() string {
	return v.GetString("device.serial")
}

// GetScrcpyServerPath returns the local scrcpy-server jar, if configured
func GetScrcpyServerPath() string {
	if p := v.GetString("scrcpy.server_path"); p != "" {
		return p
	}
	return filepath.Join(GetHome(), "scrcpy-server.jar")
}

func GetScrcpyVersion() string {
	return v.GetString("scrcpy.version")
}

func GetCameraFacing() string {
	return v.GetString("scrcpy.camera_facing")
}

// GetCameraSize returns the requested camera capture size, like "1280x720"
func GetCameraSize() string {
	return v.GetString("scrcpy.camera_size")
}
