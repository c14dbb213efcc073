package domain

// PIIField はPII列ごとの暗号化設定を表す。
type PIIField struct {
	Table              string           `yaml:"table"`
	Column             string           `yaml:"column"`
	FieldType          string           `yaml:"field_type"`
	Method             EncryptionMethod `yaml:"method"`
	EncryptionRequired bool             `yaml:"encryption_required"`
}

// PIIPolicy はテーブル・列をキーとした静的な暗号化ポリシー。
type PIIPolicy struct {
	fields map[string]PIIField
}

// NewPIIPolicy はフィールド定義からポリシーを生成する。
// Method が空の場合は対称暗号を使う。
func NewPIIPolicy(fields []PIIField) *PIIPolicy {
	p := &PIIPolicy{fields: make(map[string]PIIField, len(fields))}
	for _, f := range fields {
		if f.Method == "" {
			f.Method = MethodSymmetric
		}
		p.fields[f.Table+"."+f.Column] = f
	}
	return p
}

// Lookup は暗号化対象の列設定を返す。
func (p *PIIPolicy) Lookup(table, column string) (PIIField, bool) {
	f, ok := p.fields[table+"."+column]
	return f, ok
}

// Fields は登録済みの全フィールドを返す。
func (p *PIIPolicy) Fields() []PIIField {
	out := make([]PIIField, 0, len(p.fields))
	for _, f := range p.fields {
		out = append(out, f)
	}
	return out
}

// DefaultPIIFields は教育データウェアハウスの既定PII列。
func DefaultPIIFields() []PIIField {
	field := func(table, column, fieldType string) PIIField {
		return PIIField{
			Table:              table,
			Column:             column,
			FieldType:          fieldType,
			Method:             MethodSymmetric,
			EncryptionRequired: true,
		}
	}
	return []PIIField{
		field("students", "national_id", "national_id"),
		field("students", "birth_certificate_no", "birth_certificate"),
		field("students", "email", "email"),
		field("students", "phone", "phone"),
		field("students", "father_nid", "national_id"),
		field("students", "mother_nid", "national_id"),
		field("guardians", "national_id", "national_id"),
		field("guardians", "email", "email"),
		field("guardians", "phone", "phone"),
		field("users", "email", "email"),
	}
}
