package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnnouncementRecord 是公告在导出文件中的形态，字段名沿用旧版 tokens.json。
type AnnouncementRecord struct {
	Token          string `json:"token" yaml:"token"`
	ResultDate     string `json:"result_date" yaml:"result_date"`
	ResultDatetime string `json:"result_datetime" yaml:"result_datetime"`
	AddedAt        string `json:"added_at" yaml:"added_at"`
}

// UserRecord 是用户设置在导出文件中的形态。
type UserRecord struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	APIKey    string  `json:"api_key" yaml:"api_key"`
	APISecret string  `json:"api_secret" yaml:"api_secret"`
	Leverage  float64 `json:"leverage" yaml:"leverage"`
	Margin    float64 `json:"margin" yaml:"margin"`
	State     string  `json:"state,omitempty" yaml:"state,omitempty"`
}

// Document 聚合两类持久化集合，key 分别为 symbol_triggerRaw 与 userID。
type Document struct {
	Announcements map[string]AnnouncementRecord `json:"announcements" yaml:"announcements"`
	Users         map[string]UserRecord         `json:"users" yaml:"users"`
}

// NewDocument 返回空文档。
func NewDocument() *Document {
	return &Document{
		Announcements: make(map[string]AnnouncementRecord),
		Users:         make(map[string]UserRecord),
	}
}

// WriteDocument 按扩展名（.json / .yaml / .yml）写出文档。
func WriteDocument(path string, doc *Document) error {
	if doc == nil {
		doc = NewDocument()
	}

	var (
		data []byte
		err  error
	)
	switch format(path) {
	case "yaml":
		data, err = yaml.Marshal(doc)
	case "json":
		data, err = json.MarshalIndent(doc, "", "  ")
	default:
		return fmt.Errorf("store: 不支持的导出格式 %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("store: 序列化导出文档失败: %w", err)
	}

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("store: 写入导出文件失败: %w", err)
	}
	return nil
}

// ReadDocument 读取由 WriteDocument 生成（或手工编写）的文档。
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: 读取导入文件失败: %w", err)
	}

	doc := NewDocument()
	switch format(path) {
	case "yaml":
		err = yaml.Unmarshal(data, doc)
	case "json":
		err = json.Unmarshal(data, doc)
	default:
		return nil, fmt.Errorf("store: 不支持的导入格式 %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("store: 解析导入文件失败: %w", err)
	}

	if doc.Announcements == nil {
		doc.Announcements = make(map[string]AnnouncementRecord)
	}
	if doc.Users == nil {
		doc.Users = make(map[string]UserRecord)
	}
	return doc, nil
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
