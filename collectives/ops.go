package collectives

import (
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Number are the element types the arithmetic reductions accept.
type Number interface {
	constraints.Integer | constraints.Float
}

// Op is a commutative, associative combining operator for reductions.
type Op[T any] struct {
	name    string
	combine func(acc, v T) T
}

// Name identifies the operator in logs and errors.
func (op Op[T]) Name() string { return op.name }

// Combine folds v into acc.
func (op Op[T]) Combine(acc, v T) T { return op.combine(acc, v) }

// fold combines v element-wise into acc. len(v) must be >= len(acc).
func (op Op[T]) fold(acc, v []T) {
	for i := range acc {
		acc[i] = op.combine(acc[i], v[i])
	}
}

func Sum[T Number]() Op[T] {
	return Op[T]{name: "sum", combine: func(a, v T) T { return a + v }}
}

func Prod[T Number]() Op[T] {
	return Op[T]{name: "prod", combine: func(a, v T) T { return a * v }}
}

func Min[T Number]() Op[T] {
	return Op[T]{name: "min", combine: func(a, v T) T {
		if v < a {
			return v
		}
		return a
	}}
}

func Max[T Number]() Op[T] {
	return Op[T]{name: "max", combine: func(a, v T) T {
		if v > a {
			return v
		}
		return a
	}}
}

func BitAnd[T constraints.Integer]() Op[T] {
	return Op[T]{name: "and", combine: func(a, v T) T { return a & v }}
}

func BitOr[T constraints.Integer]() Op[T] {
	return Op[T]{name: "or", combine: func(a, v T) T { return a | v }}
}

func BitXor[T constraints.Integer]() Op[T] {
	return Op[T]{name: "xor", combine: func(a, v T) T { return a ^ v }}
}

// Float16 reductions combine in float32 and round once per combine, like
// hardware half-precision accumulators.

func Float16Sum() Op[float16.Float16] {
	return Op[float16.Float16]{name: "sum", combine: func(a, v float16.Float16) float16.Float16 {
		return float16.Fromfloat32(a.Float32() + v.Float32())
	}}
}

func Float16Prod() Op[float16.Float16] {
	return Op[float16.Float16]{name: "prod", combine: func(a, v float16.Float16) float16.Float16 {
		return float16.Fromfloat32(a.Float32() * v.Float32())
	}}
}

func Float16Min() Op[float16.Float16] {
	return Op[float16.Float16]{name: "min", combine: func(a, v float16.Float16) float16.Float16 {
		if v.Float32() < a.Float32() {
			return v
		}
		return a
	}}
}

func Float16Max() Op[float16.Float16] {
	return Op[float16.Float16]{name: "max", combine: func(a, v float16.Float16) float16.Float16 {
		if v.Float32() > a.Float32() {
			return v
		}
		return a
	}}
}
