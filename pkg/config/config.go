package config

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"tipbot.com/pkg/logger"
)

// LoadEnv 加载 .env，文件不存在不算错误；已经存在的环境变量不会被覆盖
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func newViper(service, path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		// 约定：config/{service}.yaml
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 环境变量覆盖，例如 TIPBOT_SERVICE_DATABASE_DSN 覆盖 database.dsn
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 只读一次，不监听
func Load(service, path string, out interface{}) (*viper.Viper, error) {
	v := newViper(service, path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	logger.Info(context.Background(), "config loaded",
		zap.String("service", service), zap.String("file", v.ConfigFileUsed()))
	return v, nil
}

// LoadAndWatch 读取后监听文件变更，热更新到 out；onChange 可以为 nil
func LoadAndWatch(service, path string, out interface{}, onChange func()) (*viper.Viper, error) {
	v, err := Load(service, path, out)
	if err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		ctx := context.Background()
		logger.Info(ctx, "config file changed", zap.String("file", e.Name))
		if err := v.Unmarshal(out); err != nil {
			logger.Error(ctx, "reload config error", zap.Error(err))
			return
		}
		if onChange != nil {
			onChange()
		}
		logger.Info(ctx, "config reloaded OK", zap.String("service", service))
	})
	return v, nil
}
