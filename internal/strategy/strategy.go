// Package strategy 定义信号枚举、策略接口与显式注册表。
//
// 策略只看滚动收盘价序列，输出方向信号；下单数量、风控与资金归
// 协调器管。注册表由编排方显式构建并注入，包内不携带任何可变全局状态。
package strategy

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Signal 是策略输出的方向信号，闭集枚举。
type Signal int

const (
	SignalFlat Signal = iota
	SignalLong
	SignalShort
)

func (s Signal) String() string {
	switch s {
	case SignalFlat:
		return "FLAT"
	case SignalLong:
		return "LONG"
	case SignalShort:
		return "SHORT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Strategy 在一段收盘价历史上给出方向信号。
// Evaluate 只在 len(closes) ≥ Warmup() 之后被调用。
type Strategy interface {
	Name() string
	Warmup() int
	Evaluate(closes []float64) (Signal, error)
}

// Factory 按参数构造一个策略实例；参数来自配置，用 mapstructure 解码。
type Factory func(params map[string]any) (Strategy, error)

// Registry 是策略工厂的显式注册表。
type Registry struct {
	factories map[string]Factory
}

// NewRegistry 返回空注册表。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry 返回内置策略（momentum / rsi / macd）齐备的注册表。
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("momentum", NewMomentum)
	r.MustRegister("rsi", NewRSI)
	r.MustRegister("macd", NewMACD)
	return r
}

// Register 登记一个策略工厂，重名即报错。
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" {
		return fmt.Errorf("strategy: kind 不能为空")
	}
	if f == nil {
		return fmt.Errorf("strategy: factory 不能为 nil")
	}
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("strategy: %q 已注册", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister 同 Register，冲突时 panic，仅用于进程启动期。
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Build 按类型与参数实例化策略。
func (r *Registry) Build(kind string, params map[string]any) (Strategy, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("strategy: 未知类型 %q（已注册：%v）", kind, r.Kinds())
	}
	return f(params)
}

// Kinds 返回已注册类型名，按字典序。
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func decodeParams(params map[string]any, out any) error {
	if params == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
