package compiled

import "fmt"

// Kind is the primitive type tag carried by values and constants. The byte
// values match the type characters used by the compiler.
type Kind byte

const (
	KindBoolean Kind = 'z'
	KindByte    Kind = 'b'
	KindShort   Kind = 's'
	KindChar    Kind = 'c'
	KindInt     Kind = 'i'
	KindFloat   Kind = 'f'
	KindLong    Kind = 'j'
	KindDouble  Kind = 'd'
	KindObject  Kind = 'a'
	KindVoid    Kind = 'v'
	KindIllegal Kind = '-'
)

var kindNames = map[Kind]string{
	KindBoolean: "boolean",
	KindByte:    "byte",
	KindShort:   "short",
	KindChar:    "char",
	KindInt:     "int",
	KindFloat:   "float",
	KindLong:    "long",
	KindDouble:  "double",
	KindObject:  "object",
	KindVoid:    "void",
	KindIllegal: "illegal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%q)", byte(k))
}

// ParseKind maps a type character or a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	if len(s) == 1 {
		k := Kind(s[0])
		if _, ok := kindNames[k]; ok {
			return k, nil
		}
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindIllegal, fmt.Errorf("unknown kind %q", s)
}

// IsSubInt reports kinds narrower than int that live in an int slot.
func (k Kind) IsSubInt() bool {
	switch k {
	case KindBoolean, KindByte, KindShort, KindChar:
		return true
	}
	return false
}

// NeedsTwoSlots reports kinds that occupy two interpreter slots.
func (k Kind) NeedsTwoSlots() bool {
	return k == KindLong || k == KindDouble
}

// LIRKind is the platform kind of a value plus a mask telling whether the
// platform encoding itself is a managed reference. Only masks 0 and 1 are
// meaningful to the installer.
type LIRKind struct {
	Platform      Kind
	ReferenceMask uint32
}

// ValueKind and ReferenceKind build the two common LIRKinds.
func ValueKind(k Kind) LIRKind     { return LIRKind{Platform: k} }
func ReferenceKind(k Kind) LIRKind { return LIRKind{Platform: k, ReferenceMask: 1} }

func (k LIRKind) IsReference() bool { return k.ReferenceMask == 1 }

func (k LIRKind) String() string {
	if k.ReferenceMask != 0 {
		return fmt.Sprintf("%s[ref=%#x]", k.Platform, k.ReferenceMask)
	}
	return k.Platform.String()
}
