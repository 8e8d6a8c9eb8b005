package sdkdetect

import "strings"

// Flag 单个SDK标识位
type Flag uint32

// 可识别的SDK枚举（封闭集合，每个标识占一个独立位）
const (
	AndroidDalvik Flag = 1 << iota
	AndroidKotlin
	KotlinMultiplatform
	ReactNative
	Flutter
	DotNet
	Xamarin
	Maui
	Cordova
	Ionic
	Titanium
	Qt
	Unity
	Unreal
)

// flagOrder 按位序排列的全部标识，Names 输出顺序以此为准
var flagOrder = []Flag{
	AndroidDalvik,
	AndroidKotlin,
	KotlinMultiplatform,
	ReactNative,
	Flutter,
	DotNet,
	Xamarin,
	Maui,
	Cordova,
	Ionic,
	Titanium,
	Qt,
	Unity,
	Unreal,
}

// flagNames 标识到稳定字符串名称的映射
var flagNames = map[Flag]string{
	AndroidDalvik:       "ANDROID_DALVIK",
	AndroidKotlin:       "ANDROID_KOTLIN",
	KotlinMultiplatform: "KOTLIN_MULTIPLATFORM",
	ReactNative:         "REACT_NATIVE",
	Flutter:             "FLUTTER",
	DotNet:              "DOTNET",
	Xamarin:             "XAMARIN",
	Maui:                "MAUI",
	Cordova:             "CORDOVA",
	Ionic:               "IONIC",
	Titanium:            "TITANIUM",
	Qt:                  "QT",
	Unity:               "UNITY",
	Unreal:              "UNREAL",
}

// Name 返回标识的稳定名称，未知位返回 UNKNOWN
func (f Flag) Name() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return "UNKNOWN"
}

// FlagSet SDK标识位集合
// 空集是合法结果，表示未检测到任何SDK。集合只增不减：检测器只会补充证据。
type FlagSet uint32

// Add 并入一个标识
func (s *FlagSet) Add(f Flag) {
	*s |= FlagSet(f)
}

// Has 判断标识是否已在集合中
func (s FlagSet) Has(f Flag) bool {
	return s&FlagSet(f) != 0
}

// Union 返回两个集合的并集
func (s FlagSet) Union(other FlagSet) FlagSet {
	return s | other
}

// Empty 判断集合是否为空
func (s FlagSet) Empty() bool {
	return s == 0
}

// Count 返回集合中的标识数量
func (s FlagSet) Count() int {
	n := 0
	for _, f := range flagOrder {
		if s.Has(f) {
			n++
		}
	}
	return n
}

// Names 按位序返回集合内全部标识的稳定名称，无重复
func (s FlagSet) Names() []string {
	names := make([]string, 0, len(flagOrder))
	for _, f := range flagOrder {
		if s.Has(f) {
			names = append(names, f.Name())
		}
	}
	return names
}

// String 返回逗号连接的名称串，空集返回空串
func (s FlagSet) String() string {
	return strings.Join(s.Names(), ",")
}

// ParseFlag 按稳定名称解析标识，用于持久化结果的反向还原
func ParseFlag(name string) (Flag, bool) {
	for _, f := range flagOrder {
		if flagNames[f] == name {
			return f, true
		}
	}
	return 0, false
}

// ParseNames 把名称列表还原为集合，未知名称被忽略
func ParseNames(names []string) FlagSet {
	var s FlagSet
	for _, name := range names {
		if f, ok := ParseFlag(name); ok {
			s.Add(f)
		}
	}
	return s
}
