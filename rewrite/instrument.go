// Package rewrite instruments compiled platform classes so that every
// eligible method first consults the active dispatch handler before running
// its original body.
//
// For each eligible method the original body is kept under an alias (see
// classfile.AliasName) and the visible method becomes a shim:
//
//	DISPATCH "name/arity" "$$umbra$$pkg_Class$name"
//	RETURN
//
// Static initializers move to __staticInitializer__ and a new <clinit>
// notifies the handler. Static field access is redirected to the universe
// arena, and call sites of intercepted methods are routed to interceptors.
package rewrite

import (
	"fmt"

	"github.com/chazu/umbra/classfile"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.rewrite")

// Result is the outcome of instrumenting one class.
type Result struct {
	// Class is the instrumented class, or the input when Rewritten is false.
	Class     *classfile.Class
	Rewritten bool
	// Aliases maps each shimmed signature ("name/arity") to its alias.
	Aliases map[string]string
	// InterceptedSites counts call sites routed to interceptors.
	InterceptedSites int
}

// Instrumentor rewrites classes under one Config.
type Instrumentor struct {
	scope *scope
}

// New compiles cfg into an Instrumentor.
func New(cfg Config) (*Instrumentor, error) {
	s, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	return &Instrumentor{scope: s}, nil
}

// Config returns the normalized configuration.
func (in *Instrumentor) Config() Config {
	return in.scope.cfg
}

// Instrument is a convenience wrapper around New and Instrumentor.Instrument.
func Instrument(c *classfile.Class, cfg Config) (*Result, error) {
	in, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return in.Instrument(c)
}

// ShouldInstrument reports whether c would be rewritten.
func (in *Instrumentor) ShouldInstrument(c *classfile.Class) bool {
	return !c.Flags.Has(classfile.ClassInstrumented) && in.scope.eligible(c)
}

// Instrument rewrites c. The input is never modified. Classes that are
// already instrumented or out of scope are returned as they are.
func (in *Instrumentor) Instrument(c *classfile.Class) (*Result, error) {
	if !in.ShouldInstrument(c) {
		return &Result{Class: c}, nil
	}

	out := c.Clone()
	out.Flags = (out.Flags &^ classfile.ClassFinal) | classfile.ClassInstrumented
	out.Methods = out.Methods[:0:0]

	res := &Result{Class: out, Rewritten: true, Aliases: make(map[string]string)}

	for _, m := range c.Methods {
		if m.Flags.Has(classfile.MethodAlias) || m.Flags.Has(classfile.MethodShim) || classfile.IsAlias(m.Name) {
			return nil, fmt.Errorf("rewrite: %s: uninstrumented class already declares generated method %s", c.Name, m.Name)
		}
		body, sites, err := in.rewriteBody(c.Name, m)
		if err != nil {
			return nil, err
		}
		res.InterceptedSites += sites

		switch {
		case m.Name == classfile.StaticInitName:
			body.Name = classfile.StaticInitializerName
			body.Flags |= classfile.MethodSynthetic
			out.Methods = append(out.Methods, body)

		case m.Name == classfile.ConstructorName && !in.scope.cfg.InterceptConstructors:
			body.Code = append([]byte{byte(classfile.OpShadowInit)}, body.Code...)
			out.Methods = append(out.Methods, body)

		case m.Name == classfile.ConstructorName || interceptable(m):
			alias, shim := split(c.Name, body)
			if m.Name == classfile.ConstructorName {
				shim.Code = append([]byte{byte(classfile.OpShadowInit)}, shim.Code...)
			}
			res.Aliases[m.Signature().String()] = alias.Name
			out.Methods = append(out.Methods, shim, alias)

		default:
			out.Methods = append(out.Methods, body)
		}
	}

	out.Methods = append(out.Methods, classInitShim())

	log.Debug("instrumented class", "class", c.Name, "shims", len(res.Aliases),
		"intercepted_sites", res.InterceptedSites)
	return res, nil
}

// interceptable reports whether a method gets a dispatch shim.
func interceptable(m *classfile.Method) bool {
	if m.Flags.Has(classfile.MethodAbstract) || m.Flags.Has(classfile.MethodSynthetic) ||
		m.Flags.Has(classfile.MethodPrivate) {
		return false
	}
	if m.Name == classfile.ConstructorName || m.Name == classfile.StaticInitName {
		return false
	}
	return m.Flags.Has(classfile.MethodPublic) || m.Flags.Has(classfile.MethodProtected)
}

// split turns a rewritten body into the private alias that keeps it and the
// visible shim that dispatches to it.
func split(class string, body *classfile.Method) (alias, shim *classfile.Method) {
	alias = body.Clone()
	alias.Name = classfile.AliasName(class, body.Name)
	alias.Flags = (body.Flags &^ (classfile.MethodPublic | classfile.MethodProtected | classfile.MethodNative)) |
		classfile.MethodPrivate | classfile.MethodAlias
	if body.Flags.Has(classfile.MethodNative) {
		alias.Code = []byte{byte(classfile.OpReturnNil)}
		alias.Literals = nil
		alias.MaxLocals = body.Arity
	}

	b := classfile.NewMethod(body.Name, body.Arity, (body.Flags&^classfile.MethodNative)|classfile.MethodShim)
	b.EmitDispatch(body.Signature(), alias.Name)
	b.Emit(classfile.OpReturn)
	shim = b.Build()
	return alias, shim
}

// classInitShim is the generated <clinit>.
func classInitShim() *classfile.Method {
	b := classfile.NewMethod(classfile.StaticInitName, 0,
		classfile.MethodStatic|classfile.MethodSynthetic|classfile.MethodShim)
	b.Emit(classfile.OpClassInit)
	b.Emit(classfile.OpReturnNil)
	return b.Build()
}

// rewriteBody redirects static field access to the arena and routes
// intercepted call sites. Operand layouts are unchanged, so only opcode bytes
// are replaced and jump offsets stay valid.
func (in *Instrumentor) rewriteBody(class string, m *classfile.Method) (*classfile.Method, int, error) {
	out := m.Clone()
	ins, err := classfile.DecodeInstructions(out.Code)
	if err != nil {
		return nil, 0, fmt.Errorf("rewrite: %s.%s: %w", class, m.Signature(), err)
	}

	sites := 0
	for _, i := range ins {
		switch i.Op {
		case classfile.OpGetStatic:
			out.Code[i.Pos] = byte(classfile.OpArenaGet)
		case classfile.OpPutStatic:
			out.Code[i.Pos] = byte(classfile.OpArenaPut)
		case classfile.OpInvokeVirtual, classfile.OpInvokeSpecial, classfile.OpInvokeStatic:
			idx := int(i.Uint16(0))
			if idx >= len(out.Literals) {
				return nil, 0, fmt.Errorf("rewrite: %s.%s: literal %d out of range at %d", class, m.Signature(), idx, i.Pos)
			}
			if !in.scope.interceptedRef(out.Literals[idx].Str) {
				continue
			}
			if i.Op == classfile.OpInvokeStatic {
				out.Code[i.Pos] = byte(classfile.OpInvokeInterceptedStatic)
			} else {
				out.Code[i.Pos] = byte(classfile.OpInvokeIntercepted)
			}
			sites++
		}
	}
	return out, sites, nil
}
