package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pii-encryption-service/internal/domain"
)

// policyFile はPII_POLICY_FILEの形式。
type policyFile struct {
	Fields []domain.PIIField `yaml:"fields"`
}

// LoadPIIPolicy はPIIポリシーを読み込む。path が空の場合は既定の列定義を使う。
func LoadPIIPolicy(path string) (*domain.PIIPolicy, error) {
	if path == "" {
		return domain.NewPIIPolicy(domain.DefaultPIIFields()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PII policy %s: %w", path, err)
	}
	return ParsePIIPolicy(data)
}

// ParsePIIPolicy はYAMLのPIIポリシーを解析する。
func ParsePIIPolicy(data []byte) (*domain.PIIPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing PII policy: %v", domain.ErrConfiguration, err)
	}
	for i, field := range f.Fields {
		if field.Table == "" || field.Column == "" {
			return nil, fmt.Errorf("%w: PII policy entry %d needs table and column", domain.ErrConfiguration, i)
		}
		if field.Method != "" {
			if _, err := domain.ParseEncryptionMethod(string(field.Method)); err != nil {
				return nil, fmt.Errorf("%w: PII policy %s.%s: %v", domain.ErrConfiguration, field.Table, field.Column, err)
			}
		}
	}
	return domain.NewPIIPolicy(f.Fields), nil
}
