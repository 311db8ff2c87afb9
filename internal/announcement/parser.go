package announcement

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const resultLayout = "02.01.2006 15:04"

var (
	// 第一行即为代币符号。
	anchoredPattern = regexp.MustCompile(`(?s)\A(?P<symbol>\w+)[ \t]*\r?\n.*?Result[ \t]+(?P<date>\d{2}\.\d{2}\.\d{4}[ \t]+\d{2}:\d{2})(?P<utc>[ \t]*\(?UTC\)?)?`)
	// 任意一行均可作为符号行，允许行首带表情等非字母数字前缀。
	searchPattern = regexp.MustCompile(`(?sm)^[^\w\n]*(?P<symbol>\w+)[ \t]*\r?\n.*?Result[ \t]+(?P<date>\d{2}\.\d{2}\.\d{4}[ \t]+\d{2}:\d{2})(?P<utc>[ \t]*\(?UTC\)?)?`)
)

// Match 为结构匹配的中间结果。
type Match struct {
	Symbol   string
	Date     string
	UTC      bool
	Anchored bool
}

// Raw 返回规范化的时间文本：日期与时间之间的空白折叠为一个空格，
// UTC 标记（无论是否带括号）统一写作 " UTC"。该值参与去重键。
func (m Match) Raw() string {
	if m.UTC {
		return m.Date + " UTC"
	}
	return m.Date
}

// Parser 将频道文本解析为公告，本身无副作用。
type Parser struct {
	loc *time.Location
	now func() time.Time
}

// NewParser 创建解析器，loc 为目标时区，now 为时钟（nil 时使用 time.Now）。
func NewParser(loc *time.Location, now func() time.Time) *Parser {
	if loc == nil {
		loc = time.FixedZone("MSK", 3*60*60)
	}
	if now == nil {
		now = time.Now
	}
	return &Parser{loc: loc, now: now}
}

// Location 返回目标时区。
func (p *Parser) Location() *time.Location {
	return p.loc
}

// Parse 解析公告；非公告返回 ErrNoMatch，日期错误返回 ErrBadDate，过期返回 ErrPastTrigger。
func (p *Parser) Parse(text string) (Announcement, error) {
	m, ok := MatchText(text)
	if !ok {
		return Announcement{}, ErrNoMatch
	}

	triggerAt, err := p.Resolve(m.Date, m.UTC)
	if err != nil {
		return Announcement{}, err
	}

	now := p.now()
	if !triggerAt.After(now) {
		return Announcement{}, fmt.Errorf("%w: %s", ErrPastTrigger, m.Raw())
	}

	return Announcement{
		Symbol:     m.Symbol,
		TriggerRaw: m.Raw(),
		TriggerAt:  triggerAt,
		RecordedAt: now.In(p.loc),
	}, nil
}

// Resolve 将 DD.MM.YYYY HH:MM 转为目标时区时间；utc 为真时先按 UTC 解释。
func (p *Parser) Resolve(date string, utc bool) (time.Time, error) {
	date = strings.Join(strings.Fields(date), " ")

	src := p.loc
	if utc {
		src = time.UTC
	}

	t, err := time.ParseInLocation(resultLayout, date, src)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrBadDate, date, err)
	}
	return t.In(p.loc), nil
}

// MatchText 先做首行锚定匹配，失败后在全文中逐行搜索。
func MatchText(text string) (Match, bool) {
	if text == "" {
		return Match{}, false
	}
	if m, ok := apply(anchoredPattern, text); ok {
		m.Anchored = true
		return m, true
	}
	return apply(searchPattern, text)
}

// NearMiss 判断文本疑似公告（包含 result）但未能匹配，仅用于告警日志。
func NearMiss(text string) bool {
	if _, ok := MatchText(text); ok {
		return false
	}
	return strings.Contains(strings.ToLower(text), "result")
}

func apply(re *regexp.Regexp, text string) (Match, bool) {
	groups := re.FindStringSubmatch(text)
	if groups == nil {
		return Match{}, false
	}

	var m Match
	for i, name := range re.SubexpNames() {
		switch name {
		case "symbol":
			m.Symbol = groups[i]
		case "date":
			m.Date = strings.Join(strings.Fields(groups[i]), " ")
		case "utc":
			m.UTC = strings.Contains(groups[i], "UTC")
		}
	}
	return m, m.Symbol != "" && m.Date != ""
}
