// Package js hosts JavaScript strategies on the goja runtime. A module
// exports a global create(env) returning a handler object whose onInit,
// onEvent, onFill, onRejection and onFinish hooks are all optional.
package js

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
	"github.com/quantrail/quantrail/internal/strategy"
)

// Module is a compiled JavaScript strategy source.
type Module struct {
	Name    string
	Path    string
	Program *goja.Program
}

// LoadModule reads and compiles a strategy file. The module name is the file
// name without its extension.
func LoadModule(path string) (*Module, error) {
	// #nosec G304 -- strategy path is operator provided via CLI flags.
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	program, err := goja.Compile(name, string(source), true)
	if err != nil {
		return nil, errs.New("strategy/js", errs.KindStrategy,
			errs.WithMessage(fmt.Sprintf("compile %s: %v", name, err)))
	}
	return &Module{Name: name, Path: path, Program: program}, nil
}

// Strategy adapts a JavaScript handler to the strategy interface. The runner
// serializes all callbacks, so a single VM suffices.
type Strategy struct {
	name    string
	vm      *goja.Runtime
	handler *goja.Object
	logger  *log.Logger

	// sctx is the context of the callback currently executing; helper
	// closures exposed to JS read it.
	sctx strategy.Context
}

// New instantiates a strategy from a compiled module. cfg is handed to the
// module's create function verbatim.
func New(module *Module, cfg map[string]any, logger *log.Logger) (*Strategy, error) {
	if module == nil {
		return nil, errs.New("strategy/js", errs.KindStrategy, errs.WithMessage("module required"))
	}
	if logger == nil {
		logger = log.New(os.Stderr, "js-strategy ", log.LstdFlags)
	}

	s := &Strategy{name: module.Name, vm: goja.New(), logger: logger}

	if _, err := s.vm.RunProgram(module.Program); err != nil {
		return nil, s.scriptErr("evaluate module", err)
	}

	createValue := s.vm.Get("create")
	create, ok := goja.AssertFunction(createValue)
	if !ok {
		return nil, errs.New("strategy/js", errs.KindStrategy,
			errs.WithMessage(fmt.Sprintf("module %s does not export create()", module.Name)))
	}

	env := s.vm.NewObject()
	_ = env.Set("config", cfg)
	_ = env.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		s.logger.Printf("[%s] %s", s.name, strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = env.Set("submit", func(call goja.FunctionCall) goja.Value {
		if s.sctx == nil || len(call.Arguments) == 0 {
			return s.vm.ToValue(false)
		}
		intent, err := s.decodeIntent(call.Arguments[0])
		if err != nil {
			panic(s.vm.ToValue(err.Error()))
		}
		if err := s.sctx.Submit(intent); err != nil {
			panic(s.vm.ToValue(err.Error()))
		}
		return s.vm.ToValue(intent.ClientOrderID)
	})
	_ = env.Set("cancel", func(call goja.FunctionCall) goja.Value {
		if s.sctx == nil || len(call.Arguments) == 0 {
			return s.vm.ToValue(false)
		}
		return s.vm.ToValue(s.sctx.Cancel(call.Arguments[0].String()))
	})

	result, err := create(goja.Undefined(), env)
	if err != nil {
		return nil, s.scriptErr("create", err)
	}
	handler := result.ToObject(s.vm)
	if handler == nil {
		return nil, errs.New("strategy/js", errs.KindStrategy,
			errs.WithMessage(fmt.Sprintf("module %s: create returned no handler", module.Name)))
	}
	s.handler = handler
	return s, nil
}

func (s *Strategy) Name() string { return s.name }

func (s *Strategy) OnInit(_ context.Context, sctx strategy.Context) error {
	return s.invoke(sctx, "onInit")
}

func (s *Strategy) OnEvent(_ context.Context, sctx strategy.Context, evt *schema.Event) error {
	return s.invoke(sctx, "onEvent", s.encodeEvent(evt))
}

func (s *Strategy) OnFill(_ context.Context, sctx strategy.Context, fill schema.Fill) {
	if err := s.invoke(sctx, "onFill", s.encodeFill(fill)); err != nil {
		s.logger.Printf("[%s] onFill: %v", s.name, err)
	}
}

func (s *Strategy) OnRejection(_ context.Context, sctx strategy.Context, rejection schema.Rejection) {
	payload := map[string]any{
		"clientOrderId": rejection.Intent.ClientOrderID,
		"symbol":        rejection.Intent.Symbol,
		"reason":        string(rejection.Reason),
		"detail":        rejection.Detail,
	}
	if err := s.invoke(sctx, "onRejection", payload); err != nil {
		s.logger.Printf("[%s] onRejection: %v", s.name, err)
	}
}

func (s *Strategy) OnFinish(_ context.Context, sctx strategy.Context) error {
	return s.invoke(sctx, "onFinish")
}

// invoke calls the named optional hook with s.sctx bound for helper closures.
func (s *Strategy) invoke(sctx strategy.Context, hook string, args ...any) error {
	value := s.handler.Get(hook)
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil
	}

	s.sctx = sctx
	defer func() { s.sctx = nil }()

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = s.vm.ToValue(arg)
	}
	if _, err := fn(s.handler, jsArgs...); err != nil {
		return s.scriptErr(hook, err)
	}
	return nil
}

func (s *Strategy) scriptErr(hook string, err error) error {
	return errs.New("strategy/js", errs.KindStrategy,
		errs.WithMessage(fmt.Sprintf("%s %s: %v", s.name, hook, err)))
}

func (s *Strategy) encodeEvent(evt *schema.Event) map[string]any {
	out := map[string]any{
		"timestamp": evt.Timestamp.UnixNano(),
		"symbol":    evt.Symbol,
		"kind":      string(evt.Kind),
	}
	if evt.Bar != nil {
		out["bar"] = map[string]any{
			"open":   evt.Bar.Open.InexactFloat64(),
			"high":   evt.Bar.High.InexactFloat64(),
			"low":    evt.Bar.Low.InexactFloat64(),
			"close":  evt.Bar.Close.InexactFloat64(),
			"volume": evt.Bar.Volume.InexactFloat64(),
		}
	}
	if evt.Tick != nil {
		out["tick"] = map[string]any{
			"price": evt.Tick.Price.InexactFloat64(),
			"size":  evt.Tick.Size.InexactFloat64(),
			"side":  string(evt.Tick.Side),
		}
	}
	return out
}

func (s *Strategy) encodeFill(fill schema.Fill) map[string]any {
	return map[string]any{
		"venueFillId":   fill.VenueFillID,
		"clientOrderId": fill.ClientOrderID,
		"symbol":        fill.Symbol,
		"side":          string(fill.Side),
		"quantity":      fill.Quantity.InexactFloat64(),
		"price":         fill.Price.InexactFloat64(),
		"fee":           fill.Fee.InexactFloat64(),
		"timestamp":     fill.Timestamp.UnixNano(),
	}
}

// decodeIntent converts a JS order object into an order intent. Quantity and
// limit price accept numbers or numeric strings.
func (s *Strategy) decodeIntent(value goja.Value) (schema.OrderIntent, error) {
	obj := value.ToObject(s.vm)
	if obj == nil {
		return schema.OrderIntent{}, fmt.Errorf("submit expects an order object")
	}

	intent := schema.OrderIntent{
		ClientOrderID: stringField(obj, "clientOrderId"),
		Symbol:        stringField(obj, "symbol"),
		Side:          schema.TradeSide(strings.ToUpper(stringField(obj, "side"))),
		Type:          schema.OrderTypeMarket,
		TimeInForce:   schema.TimeInForceGTC,
		IssuedAt:      s.sctx.Now(),
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = s.sctx.NextOrderID()
	}
	if kind := stringField(obj, "type"); kind != "" {
		intent.Type = schema.OrderType(strings.ToUpper(kind))
	}
	if tif := stringField(obj, "timeInForce"); tif != "" {
		intent.TimeInForce = schema.TimeInForce(strings.ToUpper(tif))
	}

	qty, err := decimalField(obj, "quantity")
	if err != nil {
		return schema.OrderIntent{}, err
	}
	intent.Quantity = qty

	if limit := obj.Get("limitPrice"); limit != nil && !goja.IsUndefined(limit) && !goja.IsNull(limit) {
		price, err := decimalField(obj, "limitPrice")
		if err != nil {
			return schema.OrderIntent{}, err
		}
		intent.LimitPrice = &price
	}

	if err := intent.Validate(); err != nil {
		return schema.OrderIntent{}, err
	}
	return intent, nil
}

func stringField(obj *goja.Object, key string) string {
	value := obj.Get(key)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ""
	}
	return strings.TrimSpace(value.String())
}

func decimalField(obj *goja.Object, key string) (decimal.Decimal, error) {
	value := obj.Get(key)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return decimal.Zero, fmt.Errorf("order field %s required", key)
	}
	parsed, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("order field %s: %w", key, err)
	}
	return parsed, nil
}
