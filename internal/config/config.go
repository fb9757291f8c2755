package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		Dir string
	}
	Convert struct {
		Dir string
	}
	Transfer struct {
		PollInterval    time.Duration
		MaxPollFailures int
	}
	Transcode struct {
		FFmpegPath   string
		FFprobePath  string
		AudioBitrate string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("MEDIAMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/mediamill.db")
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("convert.dir", "converted")
	v.SetDefault("transfer.pollinterval", "1s")
	v.SetDefault("transfer.maxpollfailures", 5)
	v.SetDefault("transcode.ffmpegpath", "ffmpeg")
	v.SetDefault("transcode.ffprobepath", "ffprobe")
	v.SetDefault("transcode.audiobitrate", "128k")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "converted")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 720)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// AuthEnabled reports whether the optional JWT auth layer is configured.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.Auth.JWTSecret) != ""
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
