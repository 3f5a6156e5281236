package gee

import "strconv"

// Value is one node of an Earth Engine expression graph.
type Value struct {
	ConstantValue           any         `json:"constantValue,omitempty"`
	FunctionInvocationValue *Invocation `json:"functionInvocationValue,omitempty"`
	FunctionDefinitionValue *Definition `json:"functionDefinitionValue,omitempty"`
	ArgumentReference       string      `json:"argumentReference,omitempty"`
	ValueReference          string      `json:"valueReference,omitempty"`
}

// Invocation calls a server-side algorithm.
type Invocation struct {
	FunctionName string           `json:"functionName"`
	Arguments    map[string]Value `json:"arguments"`
}

// Definition is a server-side function. Body references an entry of Expression.Values.
type Definition struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

// Expression is the serialized graph sent to the API.
type Expression struct {
	Result string           `json:"result"`
	Values map[string]Value `json:"values"`
}

// Args names the arguments of an invocation.
type Args map[string]Value

// Call invokes the algorithm name.
func Call(name string, args Args) Value {
	if args == nil {
		args = Args{}
	}
	return Value{FunctionInvocationValue: &Invocation{FunctionName: name, Arguments: args}}
}

// Const wraps a JSON-encodable constant. Values encoding/json rejects, such as
// NaN, make the request that carries the expression fail to encode.
func Const(v any) Value {
	return Value{ConstantValue: v}
}

// Arg references an argument of the enclosing function definition.
func Arg(name string) Value {
	return Value{ArgumentReference: name}
}

// Graph accumulates the named values of an expression.
type Graph struct {
	values map[string]Value
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{values: make(map[string]Value)}
}

func (g *Graph) ref(v Value) string {
	id := strconv.Itoa(len(g.values))
	g.values[id] = v
	return id
}

// Func defines a function of params whose body is body.
func (g *Graph) Func(params []string, body Value) Value {
	return Value{FunctionDefinitionValue: &Definition{ArgumentNames: params, Body: g.ref(body)}}
}

// Expression finalizes the graph with result as its output.
func (g *Graph) Expression(result Value) Expression {
	return Expression{Result: g.ref(result), Values: g.values}
}
