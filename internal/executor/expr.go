package executor

import (
	"regexp"
	"strings"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// evaluate reduces an expression against a row. Comparisons yield BOOLEAN
// values. Three-valued logic is flattened: a comparison with a NULL operand
// is false, never unknown.
func evaluate(expr Expr, row types.Row, schema *types.Schema) (types.Value, error) {
	switch ex := expr.(type) {
	case *Literal:
		return ex.Value, nil

	case *ColumnRef:
		idx, ok := schema.ColumnIndex(ex.Name)
		if !ok {
			return types.Value{}, dberr.New(dberr.KindSchema,
				"column '%s' not found in table '%s'", ex.Name, schema.TableName)
		}
		return row[idx], nil

	case *UnaryOp:
		if ex.Op != OpNot {
			return types.Value{}, dberr.New(dberr.KindSyntax, "unknown unary operator '%s'", ex.Op)
		}
		truth, err := evalTruth(ex.Operand, row, schema)
		if err != nil {
			return types.Value{}, err
		}
		return types.NewBool(!truth), nil

	case *BinaryOp:
		switch ex.Op {
		case OpAnd:
			left, err := evalTruth(ex.Left, row, schema)
			if err != nil {
				return types.Value{}, err
			}
			if !left {
				return types.NewBool(false), nil
			}
			right, err := evalTruth(ex.Right, row, schema)
			if err != nil {
				return types.Value{}, err
			}
			return types.NewBool(right), nil

		case OpOr:
			left, err := evalTruth(ex.Left, row, schema)
			if err != nil {
				return types.Value{}, err
			}
			if left {
				return types.NewBool(true), nil
			}
			right, err := evalTruth(ex.Right, row, schema)
			if err != nil {
				return types.Value{}, err
			}
			return types.NewBool(right), nil
		}

		left, err := evaluate(ex.Left, row, schema)
		if err != nil {
			return types.Value{}, err
		}
		right, err := evaluate(ex.Right, row, schema)
		if err != nil {
			return types.Value{}, err
		}
		return compare(ex.Op, left, right)

	default:
		return types.Value{}, dberr.New(dberr.KindSyntax, "unknown expression node")
	}
}

// evalTruth evaluates an expression to a flat boolean: NULL and non-boolean
// results count as false.
func evalTruth(expr Expr, row types.Row, schema *types.Schema) (bool, error) {
	v, err := evaluate(expr, row, schema)
	if err != nil {
		return false, err
	}
	return !v.Null && v.Type == types.DataTypeBool && v.Bool, nil
}

func compare(op string, left, right types.Value) (types.Value, error) {
	if left.Null || right.Null {
		// NULL is not equal to anything and not ordered against anything.
		return types.NewBool(false), nil
	}

	switch op {
	case OpEq:
		return types.NewBool(types.Compare(left, right) == 0), nil
	case OpNe:
		return types.NewBool(types.Compare(left, right) != 0), nil
	case OpLt:
		return types.NewBool(types.Compare(left, right) < 0), nil
	case OpLe:
		return types.NewBool(types.Compare(left, right) <= 0), nil
	case OpGt:
		return types.NewBool(types.Compare(left, right) > 0), nil
	case OpGe:
		return types.NewBool(types.Compare(left, right) >= 0), nil
	case OpLike:
		return types.NewBool(likeMatch(left.String(), right.String())), nil
	default:
		return types.Value{}, dberr.New(dberr.KindSyntax, "unknown operator '%s'", op)
	}
}

// likeMatch implements SQL LIKE: '%' matches any substring, '_' any single
// character, everything else is literal.
func likeMatch(text, pattern string) bool {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "%", ".*")
	escaped = strings.ReplaceAll(escaped, "_", ".")
	re, err := regexp.Compile("(?s)^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// comparisonOps are the operators the scan selector understands.
var comparisonOps = map[string]bool{
	OpEq: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true,
}
