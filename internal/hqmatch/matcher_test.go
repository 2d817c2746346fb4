package hqmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chronoai/internal/types"
)

func unit(name, pattern string, active bool) types.HQMaster {
	hq := types.NewHQMaster(name, pattern)
	hq.Active = active
	return hq
}

func TestNormalizeDeclaredName(t *testing.T) {
	cases := map[string]string{
		"北海道調整本部":           "北海道調整本部",
		"ええと北海道調整本部":       "北海道調整本部",
		"えっと 札幌市本部":         "札幌市本部",
		"（仮）北海道調整本部":       "北海道調整本部",
		"北海道調整本部（第2会議室）": "北海道調整本部",
		"　医療班本部。":            "医療班本部",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeDeclaredName(in), "input %q", in)
	}
}

func TestMatchByName(t *testing.T) {
	units := []types.HQMaster{
		unit("道庁本部", "道庁", true),
		unit("医療班本部", "医療班", true),
		unit("休止本部", "休止", false),
	}
	m := New()

	assert.Equal(t, units[0].HQID, m.MatchByName("道庁", units), "exact pattern")
	assert.Equal(t, units[1].HQID, m.MatchByName("医療班本部 田中", units), "substring")
	assert.Equal(t, "", m.MatchByName("休止 佐藤", units), "inactive unit never matches")
	assert.Equal(t, "", m.MatchByName("無関係な名前", units))
	assert.Equal(t, "", m.MatchByName("", units))
}

func TestMatchByNameRegex(t *testing.T) {
	units := []types.HQMaster{
		unit("DMAT本部", `/^DMAT[0-9]+$/`, true),
		unit("壊れ本部", `/([/`, true),
		unit("後段本部", "後段", true),
	}
	m := New()

	assert.Equal(t, units[0].HQID, m.MatchByName("DMAT42", units))
	// An invalid regex is skipped, not fatal; later units still match.
	assert.Equal(t, units[2].HQID, m.MatchByName("後段 鈴木", units))
}

func TestMatchByNameFirstWins(t *testing.T) {
	units := []types.HQMaster{
		unit("第一本部", "本部", true),
		unit("第二本部", "本部", true),
	}
	m := New()
	assert.Equal(t, units[0].HQID, m.MatchByName("なんとか本部", units))
}

func TestDetectDeclaration(t *testing.T) {
	units := []types.HQMaster{
		unit("北海道調整本部", "北海道調整", true),
		unit("医療班", "医療班", true),
	}
	m := New()

	assert.Equal(t, units[0].HQID, m.DetectDeclaration("北海道調整本部です。救急車をお願いします。", units))
	assert.Equal(t, units[1].HQID, m.DetectDeclaration("医療班です、現状を報告します。", units))
	assert.Equal(t, units[0].HQID, m.DetectDeclaration("こちら北海道調整本部、どうぞ。", units))
	assert.Equal(t, units[0].HQID, m.DetectDeclaration("北海道調整本部から連絡します。", units))
	assert.Equal(t, "", m.DetectDeclaration("特に宣言のない発言です。", units))
	assert.Equal(t, "", m.DetectDeclaration("", units))
}

func TestDetectDeclarationContainment(t *testing.T) {
	units := []types.HQMaster{unit("北海道調整本部", "北海道調整", true)}
	m := New()

	// Declared name contains the registered name.
	assert.Equal(t, units[0].HQID, m.DetectDeclaration("はい北海道調整本部です。", units))
	// Registered name contains the declared name.
	assert.Equal(t, units[0].HQID, m.DetectDeclaration("調整本部です。", units))
}

func TestDetectDeclarationSkipsInactive(t *testing.T) {
	units := []types.HQMaster{unit("北海道調整本部", "北海道調整", false)}
	m := New()
	assert.Equal(t, "", m.DetectDeclaration("北海道調整本部です。", units))
}

func TestExtractDeclarationName(t *testing.T) {
	m := New()

	assert.Equal(t, "北海道調整本部", m.ExtractDeclarationName("ええと北海道調整本部です。現状を報告します。"))
	assert.Equal(t, "医療班", m.ExtractDeclarationName("医療班です。"))
	assert.Equal(t, "", m.ExtractDeclarationName("宣言のない発言。"))
	assert.Equal(t, "", m.ExtractDeclarationName(""))
}

func TestHQName(t *testing.T) {
	units := []types.HQMaster{unit("道庁本部", "道庁", true)}
	assert.Equal(t, "道庁本部", HQName(units[0].HQID, units))
	assert.Equal(t, "", HQName("missing", units))
	assert.Equal(t, "", HQName("", units))
}
