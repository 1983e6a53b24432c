package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/brbranch/charcache/internal/model"
)

const (
	// DefaultConfigDir はデフォルトの設定ディレクトリ名
	DefaultConfigDir = ".charcache"
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.json"
	// DefaultDataSubDir はデフォルトのデータサブディレクトリ名
	DefaultDataSubDir = "data"
	// LibraryStoreDir はライブラリ配下に作成する保存ディレクトリ名
	LibraryStoreDir = ".charcache"
	// StoreFileJSON はJSON永続化ファイル名
	StoreFileJSON = "characterizations.json"
	// StoreFileSQLite はSQLite永続化ファイル名
	StoreFileSQLite = "characterizations.db"
)

// ExpandTilde は"~"をホームディレクトリに展開する
// "~/" で始まる場合のみ展開し、それ以外はそのまま返す
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		// "~user" などはそのまま返す
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// GetDefaultConfigPath はデフォルトの設定ファイルパスを返す
// ~/.charcache/config.json
func GetDefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// GetDefaultDataDir はアプリ専用のデータディレクトリを返す
// ~/.charcache/data、ホームが解決できない場合はユーザーキャッシュディレクトリ
func GetDefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, DefaultConfigDir, DefaultDataSubDir), nil
	}

	cacheDir, cerr := os.UserCacheDir()
	if cerr != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(cacheDir, "charcache"), nil
}

// EnsureDir はディレクトリが存在することを確認し、なければ作成する
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ResolveStorePath は永続化ファイルのパスを決定する
//
// 優先順位:
//  1. store.path が明示されていればそれ
//  2. paths.libraryPath/.charcache/<file>
//  3. paths.dataDir/<file>（ライブラリパス未設定・作成失敗時のフォールバック）
//
// 返すパスの親ディレクトリは作成済み
func ResolveStorePath(cfg *model.Config) (string, error) {
	fileName := StoreFileJSON
	if cfg.Store.Type == model.StoreTypeSQLite {
		fileName = StoreFileSQLite
	}

	if cfg.Store.Path != nil && *cfg.Store.Path != "" {
		path, err := ExpandTilde(*cfg.Store.Path)
		if err != nil {
			return "", err
		}
		if err := EnsureDir(filepath.Dir(path)); err != nil {
			return "", err
		}
		return path, nil
	}

	if cfg.Paths.LibraryPath != "" {
		root, err := ExpandTilde(cfg.Paths.LibraryPath)
		if err == nil {
			dir := filepath.Join(root, LibraryStoreDir)
			if err = EnsureDir(dir); err == nil {
				return filepath.Join(dir, fileName), nil
			}
		}
		slog.Warn("library path unavailable, falling back to data dir",
			"libraryPath", cfg.Paths.LibraryPath,
			"error", err)
	}

	dataDir := cfg.Paths.DataDir
	if dataDir == "" {
		var err error
		if dataDir, err = GetDefaultDataDir(); err != nil {
			return "", err
		}
	}
	dataDir, err := ExpandTilde(dataDir)
	if err != nil {
		return "", err
	}
	if err := EnsureDir(dataDir); err != nil {
		return "", err
	}
	return filepath.Join(dataDir, fileName), nil
}
