package classfile

import "strings"

// AliasPrefix starts the name of every preserved original method body.
const AliasPrefix = "$$umbra$$"

// AliasName returns the alias under which the rewriter preserves the original
// body of method in class: $$umbra$$<Class>$<method> with dots in the class
// name replaced by underscores.
func AliasName(class, method string) string {
	if method == ConstructorName {
		return ConstructorAliasName
	}
	return AliasPrefix + strings.ReplaceAll(class, ".", "_") + "$" + method
}

// OriginalName maps an alias back to the method name it preserves. It
// returns the input unchanged when name is not an alias.
func OriginalName(name string) string {
	if name == ConstructorAliasName {
		return ConstructorName
	}
	if name == StaticInitializerName {
		return StaticInitName
	}
	rest, ok := strings.CutPrefix(name, AliasPrefix)
	if !ok {
		return name
	}
	if i := strings.LastIndexByte(rest, '$'); i >= 0 {
		return rest[i+1:]
	}
	return name
}

// IsAlias reports whether name was generated by the rewriter.
func IsAlias(name string) bool {
	return strings.HasPrefix(name, AliasPrefix) || name == ConstructorAliasName
}
