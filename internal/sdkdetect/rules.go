package sdkdetect

// BuiltinRules 内置SDK检测规则表
// 条目名匹配为大小写敏感的正则。只有Ionic需要读取条目内容。
func BuiltinRules() []Rule {
	return []Rule{
		// ==================== 基础运行时 ====================
		{
			Flag:         AndroidDalvik,
			NamePatterns: []string{`\.dex$`},
		},
		{
			Flag:         AndroidKotlin,
			NamePatterns: []string{`^kotlin/`},
		},
		{
			Flag:         KotlinMultiplatform,
			NamePatterns: []string{`^kotlin-tooling-metadata\.json`},
		},

		// ==================== 跨平台框架 ====================
		{
			Flag:         ReactNative,
			NamePatterns: []string{`index\.android\.bundle`},
		},
		{
			Flag:         Flutter,
			NamePatterns: []string{`^lib/.*/libflutter\.so`},
		},
		{
			// Mono原生运行时或托管程序集blob，命中其一即可
			Flag: DotNet,
			NamePatterns: []string{
				`^lib/.*/libmono.*\.so`,
				`^assemblies/assemblies.*\.blob`,
			},
		},
		{
			Flag:         Xamarin,
			NamePatterns: []string{`^lib/.*/libxamarin-app\.so`},
		},
		{
			Flag:         Maui,
			NamePatterns: []string{`^lib/.*/libaot-Microsoft\.Maui.*\.so`},
		},

		// ==================== Web混合框架 ====================
		{
			Flag:         Cordova,
			NamePatterns: []string{`^assets/www/cordova\.js`},
		},
		{
			Flag:          Ionic,
			NamePatterns:  []string{`^assets/www/manifest\.js`},
			ContentMarker: `Ionic`,
		},
		{
			Flag:         Titanium,
			NamePatterns: []string{`^assets/Resources/ti\.main\.js`},
		},

		// ==================== 原生工具链与游戏引擎 ====================
		{
			Flag:         Qt,
			NamePatterns: []string{`^lib/.*/libQt[0-9]?Core.*\.so`},
		},
		{
			Flag:         Unity,
			NamePatterns: []string{`^lib/.*/libunity\.so`},
		},
		{
			Flag:         Unreal,
			NamePatterns: []string{`^lib/.*/lib(UE4|Unreal)\.so`},
		},
	}
}

// DefaultRegistry 构建包含全部内置规则的注册表
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range BuiltinRules() {
		r.MustRegister(rule)
	}
	return r
}
