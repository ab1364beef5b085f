package docql

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Validate checks that a filter only uses supported operators with
// well-formed operands.
func Validate(filter any) error {
	if filter == nil {
		return nil
	}
	entries, ok := Fields(filter)
	if !ok {
		return fmt.Errorf("%w: filter must be a document, got %T", ErrMalformed, filter)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Key, "$") {
			if err := validateLogical(e.Key, e.Value); err != nil {
				return err
			}
			continue
		}
		if err := validateCondition(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func validateLogical(op string, operand any) error {
	if !IsLogicalOperator(op) {
		return fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
	}
	clauses, ok := ToArray(operand)
	if !ok || len(clauses) == 0 {
		return fmt.Errorf("%w: %s needs a non-empty array", ErrMalformed, op)
	}
	for _, c := range clauses {
		if !IsDoc(c) {
			return fmt.Errorf("%w: %s clauses must be documents", ErrMalformed, op)
		}
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(path string, cond any) error {
	if !isOperatorDoc(cond) {
		return nil
	}
	entries, _ := Fields(cond)
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, "$") {
			return fmt.Errorf("%w: %s mixes operators and fields", ErrMalformed, path)
		}
		if _, ok := valueOperators[e.Key]; !ok {
			return fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, e.Key, path)
		}
		switch e.Key {
		case "$in", "$nin", "$all":
			if _, ok := ToArray(e.Value); !ok {
				return fmt.Errorf("%w: %s on %s needs an array", ErrMalformed, e.Key, path)
			}
		case "$size":
			if !isNumber(e.Value) {
				return fmt.Errorf("%w: $size on %s needs a number", ErrMalformed, path)
			}
		case "$regex":
			switch v := e.Value.(type) {
			case string:
				if _, err := regexp.Compile(v); err != nil {
					return fmt.Errorf("%w: $regex on %s: %v", ErrMalformed, path, err)
				}
			case bson.Regex, *regexp.Regexp:
			default:
				return fmt.Errorf("%w: $regex on %s needs a pattern", ErrMalformed, path)
			}
		case "$options":
			if _, ok := e.Value.(string); !ok {
				return fmt.Errorf("%w: $options on %s needs a string", ErrMalformed, path)
			}
		case "$not":
			switch e.Value.(type) {
			case bson.Regex, *regexp.Regexp:
				continue
			}
			if !isOperatorDoc(e.Value) {
				return fmt.Errorf("%w: $not on %s needs an operator document", ErrMalformed, path)
			}
			if err := validateCondition(path, e.Value); err != nil {
				return err
			}
		case "$elemMatch":
			if !IsDoc(e.Value) {
				return fmt.Errorf("%w: $elemMatch on %s needs a document", ErrMalformed, path)
			}
			if isOperatorDoc(e.Value) {
				inner, _ := Fields(e.Value)
				if !IsLogicalOperator(inner[0].Key) {
					if err := validateCondition(path, e.Value); err != nil {
						return err
					}
					continue
				}
			}
			if err := Validate(e.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
