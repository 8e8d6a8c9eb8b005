package sdkdetect

import (
	"fmt"
	"regexp"
)

// Predicate 检测谓词：判断单个归档条目是否构成某个SDK的证据
// 谓词必须无状态，且不允许让错误越过自身边界（取证失败一律返回false）。
type Predicate func(ar *Archive, name string) bool

// Rule 单个SDK的检测规则
// 默认按 NamePatterns 匹配条目名（任一命中即可），设置 ContentMarker 时
// 还要求命中条目的UTF-8文本中出现该标记。提供 Match 时忽略前两项。
type Rule struct {
	Flag          Flag
	NamePatterns  []string
	ContentMarker string
	Match         Predicate
}

// detector 编译后的检测器
type detector struct {
	rule  Rule
	match Predicate
}

// Registry SDK检测规则注册表
// 启动时一次性构建，之后只读，可被并发扫描安全共享。
type Registry struct {
	order     []Flag
	detectors map[Flag]*detector
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[Flag]*detector),
	}
}

// Register 注册一条规则，同一标识重复注册时后者生效
// 遍历位置保留首次注册时的次序，保证迭代顺序稳定。
func (r *Registry) Register(rule Rule) error {
	match, err := compileRule(rule)
	if err != nil {
		return fmt.Errorf("register %s: %w", rule.Flag.Name(), err)
	}

	if _, exists := r.detectors[rule.Flag]; !exists {
		r.order = append(r.order, rule.Flag)
	}
	r.detectors[rule.Flag] = &detector{rule: rule, match: match}
	return nil
}

// MustRegister 注册规则，失败时panic，仅用于内置规则表
func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Rules 按注册顺序返回全部规则的副本，供调用方枚举检测能力
func (r *Registry) Rules() []Rule {
	rules := make([]Rule, 0, len(r.order))
	for _, f := range r.order {
		rules = append(rules, r.detectors[f].rule)
	}
	return rules
}

// Len 已注册规则数量
func (r *Registry) Len() int {
	return len(r.order)
}

// compileRule 将规则数据编译为谓词
func compileRule(rule Rule) (Predicate, error) {
	if rule.Match != nil {
		return rule.Match, nil
	}

	if len(rule.NamePatterns) == 0 {
		return nil, fmt.Errorf("rule has neither name patterns nor custom predicate")
	}

	nameREs := make([]*regexp.Regexp, 0, len(rule.NamePatterns))
	for _, p := range rule.NamePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("name pattern %q: %w", p, err)
		}
		nameREs = append(nameREs, re)
	}

	var markerRE *regexp.Regexp
	if rule.ContentMarker != "" {
		re, err := regexp.Compile(rule.ContentMarker)
		if err != nil {
			return nil, fmt.Errorf("content marker %q: %w", rule.ContentMarker, err)
		}
		markerRE = re
	}

	return func(ar *Archive, name string) bool {
		matched := false
		for _, re := range nameREs {
			if re.MatchString(name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
		if markerRE == nil {
			return true
		}

		// 内容取证：条目读不出或不是合法文本都视为无证据
		text, err := ar.ReadText(name)
		if err != nil {
			return false
		}
		return markerRE.MatchString(text)
	}, nil
}
