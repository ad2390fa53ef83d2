// Package awstest provides an in-memory DynamoDB fake for unit tests. It
// implements the narrow expression dialect the stores actually issue:
// AND-joined =, <=, >= and attribute_not_exists conditions, and SET / REMOVE
// / ADD / DELETE update clauses including if_not_exists and arithmetic.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

type table struct {
	pk    string
	items map[string]item
}

// DB is a threadsafe in-memory stand-in for the DynamoDB client interface.
type DB struct {
	mu     sync.Mutex
	tables map[string]*table

	// FailNextTransact, when set, makes the next TransactWriteItems call
	// return a cancellation. Used to exercise conflict paths.
	FailNextTransact bool
}

// NewDB returns an empty DB.
func NewDB() *DB {
	return &DB{tables: map[string]*table{}}
}

// CreateTable registers a table with its partition key attribute.
func (d *DB) CreateTable(name, pk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{pk: pk, items: map[string]item{}}
}

// Seed inserts an item directly, bypassing conditions.
func (d *DB) Seed(tableName string, it item) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.mustTable(tableName)
	t.items[stringVal(it[t.pk])] = copyItem(it)
}

// Item returns a copy of the stored item, or nil.
func (d *DB) Item(tableName, key string) item {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.mustTable(tableName)
	it, ok := t.items[key]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Count returns the number of items in a table.
func (d *DB) Count(tableName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mustTable(tableName).items)
}

func (d *DB) mustTable(name string) *table {
	t, ok := d.tables[name]
	if !ok {
		panic(fmt.Sprintf("awstest: table %q not created", name))
	}
	return t
}

// --- client interface ---

func (d *DB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.mustTable(*params.TableName)
	it, ok := t.items[stringVal(params.Key[t.pk])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (d *DB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.mustTable(*params.TableName)
	key := stringVal(params.Item[t.pk])
	existing := t.items[key]
	if params.ConditionExpression != nil {
		if !evalCondition(*params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, existing) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t.items[key] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *DB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.mustTable(*params.TableName)
	key := stringVal(params.Key[t.pk])
	existing := t.items[key]
	if params.ConditionExpression != nil {
		if !evalCondition(*params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, existing) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	updated := applyUpdate(existing, params.Key, *params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	t.items[key] = updated
	return &dyn.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (d *DB) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.mustTable(*params.TableName)
	var out []item
	for _, it := range t.items {
		if params.FilterExpression == nil ||
			evalCondition(*params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, it) {
			out = append(out, copyItem(it))
		}
	}
	count := int32(len(out))
	return &dyn.ScanOutput{Items: out, Count: count}, nil
}

func (d *DB) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailNextTransact {
		d.FailNextTransact = false
		code := "TransactionConflict"
		return nil, &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: &code}},
		}
	}

	// Phase one: every condition must pass before anything is written.
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, ti := range params.TransactItems {
		ok := true
		switch {
		case ti.Put != nil:
			p := ti.Put
			t := d.mustTable(*p.TableName)
			existing := t.items[stringVal(p.Item[t.pk])]
			if p.ConditionExpression != nil {
				ok = evalCondition(*p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues, existing)
			}
		case ti.Update != nil:
			u := ti.Update
			t := d.mustTable(*u.TableName)
			existing := t.items[stringVal(u.Key[t.pk])]
			if u.ConditionExpression != nil {
				ok = evalCondition(*u.ConditionExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues, existing)
			}
		default:
			return nil, errors.New("awstest: unsupported transact item")
		}
		code := "None"
		if !ok {
			code = "ConditionalCheckFailed"
			failed = true
		}
		reasons[i] = types.CancellationReason{Code: &code}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	// Phase two: apply all writes.
	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			p := ti.Put
			t := d.mustTable(*p.TableName)
			t.items[stringVal(p.Item[t.pk])] = copyItem(p.Item)
		case ti.Update != nil:
			u := ti.Update
			t := d.mustTable(*u.TableName)
			key := stringVal(u.Key[t.pk])
			t.items[key] = applyUpdate(t.items[key], u.Key, *u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// --- expression evaluation ---

// evalCondition evaluates an AND-joined condition or filter expression
// against an item (nil means the item does not exist).
func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, it item) bool {
	for _, clause := range strings.Split(expr, " AND ") {
		if !evalClause(strings.TrimSpace(clause), names, values, it) {
			return false
		}
	}
	return true
}

func evalClause(clause string, names map[string]string, values map[string]types.AttributeValue, it item) bool {
	if strings.HasPrefix(clause, "attribute_not_exists(") {
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
		if it == nil {
			return true
		}
		_, exists := it[attr]
		return !exists
	}
	if strings.HasPrefix(clause, "attribute_exists(") {
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
		if it == nil {
			return false
		}
		_, exists := it[attr]
		return exists
	}

	for _, op := range []string{"<=", ">=", "="} {
		parts := strings.SplitN(clause, " "+op+" ", 2)
		if len(parts) != 2 {
			continue
		}
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		want := values[strings.TrimSpace(parts[1])]
		if it == nil {
			return false
		}
		have, exists := it[attr]
		if !exists {
			return false
		}
		cmp, ok := compareValues(have, want)
		if !ok {
			return false
		}
		switch op {
		case "=":
			return cmp == 0
		case "<=":
			return cmp <= 0
		case ">=":
			return cmp >= 0
		}
	}
	panic(fmt.Sprintf("awstest: unsupported condition clause %q", clause))
}

// applyUpdate applies a SET/REMOVE/ADD/DELETE update expression. A missing
// item is created from its key, matching DynamoDB upsert semantics.
func applyUpdate(existing item, key item, expr string, names map[string]string, values map[string]types.AttributeValue) item {
	out := copyItem(existing)
	if out == nil {
		out = item{}
		for k, v := range key {
			out[k] = v
		}
	}

	for _, section := range splitSections(expr) {
		verb, rest, _ := strings.Cut(section, " ")
		switch verb {
		case "SET":
			for _, assign := range splitAssignments(rest) {
				name, rhs, ok := strings.Cut(assign, " = ")
				if !ok {
					panic(fmt.Sprintf("awstest: bad SET clause %q", assign))
				}
				attr := resolveName(strings.TrimSpace(name), names)
				out[attr] = evalRHS(strings.TrimSpace(rhs), names, values, out)
			}
		case "REMOVE":
			for _, name := range strings.Split(rest, ",") {
				delete(out, resolveName(strings.TrimSpace(name), names))
			}
		case "ADD":
			fields := strings.Fields(rest)
			attr := resolveName(fields[0], names)
			out[attr] = addToSet(out[attr], values[fields[1]])
		case "DELETE":
			fields := strings.Fields(rest)
			attr := resolveName(fields[0], names)
			if v := deleteFromSet(out[attr], values[fields[1]]); v != nil {
				out[attr] = v
			} else {
				delete(out, attr)
			}
		default:
			panic(fmt.Sprintf("awstest: unsupported update verb %q", verb))
		}
	}
	return out
}

// splitAssignments splits SET assignments on commas outside parentheses
// (if_not_exists carries a comma of its own).
func splitAssignments(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// splitSections breaks an update expression into its verb sections.
func splitSections(expr string) []string {
	var sections []string
	words := strings.Fields(expr)
	var cur []string
	for _, w := range words {
		switch w {
		case "SET", "REMOVE", "ADD", "DELETE":
			if len(cur) > 0 {
				sections = append(sections, strings.Join(cur, " "))
			}
			cur = []string{w}
		default:
			cur = append(cur, w)
		}
	}
	if len(cur) > 0 {
		sections = append(sections, strings.Join(cur, " "))
	}
	return sections
}

// evalRHS handles ":v", "if_not_exists(attr, :v)", "attr + :v", "attr - :v"
// and "if_not_exists(attr, :zero) + :v".
func evalRHS(rhs string, names map[string]string, values map[string]types.AttributeValue, it item) types.AttributeValue {
	if i := strings.Index(rhs, " + "); i >= 0 {
		return numAdd(evalOperand(rhs[:i], names, values, it), evalOperand(rhs[i+3:], names, values, it), 1)
	}
	if i := strings.Index(rhs, " - "); i >= 0 {
		return numAdd(evalOperand(rhs[:i], names, values, it), evalOperand(rhs[i+3:], names, values, it), -1)
	}
	return evalOperand(rhs, names, values, it)
}

func evalOperand(op string, names map[string]string, values map[string]types.AttributeValue, it item) types.AttributeValue {
	op = strings.TrimSpace(op)
	if strings.HasPrefix(op, "if_not_exists(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(op, "if_not_exists("), ")")
		attrPart, defPart, _ := strings.Cut(inner, ",")
		attr := resolveName(strings.TrimSpace(attrPart), names)
		if v, ok := it[attr]; ok {
			return v
		}
		return values[strings.TrimSpace(defPart)]
	}
	if strings.HasPrefix(op, ":") {
		return values[op]
	}
	return it[resolveName(op, names)]
}

func numAdd(a, b types.AttributeValue, sign int64) types.AttributeValue {
	av, _ := a.(*types.AttributeValueMemberN)
	bv, _ := b.(*types.AttributeValueMemberN)
	if av == nil || bv == nil {
		panic("awstest: arithmetic on non-numeric attribute")
	}
	x, _ := strconv.ParseInt(av.Value, 10, 64)
	y, _ := strconv.ParseInt(bv.Value, 10, 64)
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(x+sign*y, 10)}
}

func addToSet(existing, add types.AttributeValue) types.AttributeValue {
	toAdd, ok := add.(*types.AttributeValueMemberSS)
	if !ok {
		panic("awstest: ADD supports string sets only")
	}
	members := map[string]bool{}
	if ss, ok := existing.(*types.AttributeValueMemberSS); ok {
		for _, m := range ss.Value {
			members[m] = true
		}
	}
	for _, m := range toAdd.Value {
		members[m] = true
	}
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return &types.AttributeValueMemberSS{Value: out}
}

func deleteFromSet(existing, del types.AttributeValue) types.AttributeValue {
	toDel, ok := del.(*types.AttributeValueMemberSS)
	if !ok {
		panic("awstest: DELETE supports string sets only")
	}
	ss, ok := existing.(*types.AttributeValueMemberSS)
	if !ok {
		return existing
	}
	drop := map[string]bool{}
	for _, m := range toDel.Value {
		drop[m] = true
	}
	var out []string
	for _, m := range ss.Value {
		if !drop[m] {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		// DynamoDB removes an emptied set attribute entirely.
		return nil
	}
	return &types.AttributeValueMemberSS{Value: out}
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if resolved, ok := names[name]; ok {
			return resolved
		}
		panic(fmt.Sprintf("awstest: unresolved name %s", name))
	}
	return name
}

// compareValues returns -1/0/1 and whether the two values are comparable.
func compareValues(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func stringVal(v types.AttributeValue) string {
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		panic("awstest: non-string partition key")
	}
	return s.Value
}
