package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowgraph/pkg/types"
)

func nopFunc(ctx context.Context, call Call) (Arguments, error) {
	return Arguments{}, nil
}

func mustFuncNode(t *testing.T, wf *Workflow, name string) *Node {
	t.Helper()
	n, err := wf.CreateFuncNode(nopFunc, WithName(name))
	if err != nil {
		t.Fatalf("CreateFuncNode(%s) failed: %v", name, err)
	}
	return n
}

func mustPrimitive(t *testing.T, wf *Workflow, typ types.Type, v types.Value) *Node {
	t.Helper()
	p, ok := typ.(types.Primitive)
	if !ok {
		t.Fatalf("%s is not a primitive type", typ)
	}
	n, err := wf.CreatePrimitiveNode(p)
	if err != nil {
		t.Fatalf("CreatePrimitiveNode failed: %v", err)
	}
	if err := n.SetValue(v); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	return n
}

func mustInput(t *testing.T, n *Node, name string, typ types.Type, optional bool) *InputConnector {
	t.Helper()
	in, err := n.AddInput(name, typ, optional)
	if err != nil {
		t.Fatalf("AddInput(%s) failed: %v", name, err)
	}
	return in
}

func mustConnect(t *testing.T, wf *Workflow, out *OutputConnector, in *InputConnector) {
	t.Helper()
	if err := wf.Connect(out, in); err != nil {
		t.Fatalf("Connect(%s, %s) failed: %v", out.Ref(), in.Ref(), err)
	}
}

func flowOut(n *Node) *OutputConnector {
	out, _ := n.OutputByName(FlowOutputName)
	return out
}

func flowIn(n *Node) *InputConnector {
	in, _ := n.InputByName(FlowInputName)
	return in
}

func primitiveOut(n *Node) *OutputConnector {
	out, _ := n.OutputByName(PrimitiveOutput)
	return out
}

func kinds(errs *Errors) []ErrorKind {
	var out []ErrorKind
	for _, e := range errs.List() {
		out = append(out, e.Kind)
	}
	return out
}

func TestIsValid_EmptyGraph(t *testing.T) {
	wf := New("empty")

	errs := wf.IsValid()
	if diff := cmp.Diff([]ErrorKind{KindEmptyGraph}, kinds(errs)); diff != "" {
		t.Errorf("unexpected errors (-want +got):\n%s", diff)
	}
}

func TestIsValid_ValidChain(t *testing.T) {
	wf := New("chain")
	a := mustFuncNode(t, wf, "a")
	b := mustFuncNode(t, wf, "b")
	c := mustFuncNode(t, wf, "c")
	mustConnect(t, wf, flowOut(a), flowIn(b))
	mustConnect(t, wf, flowOut(b), flowIn(c))

	if errs := wf.IsValid(); !errs.Empty() {
		t.Fatalf("Expected a valid workflow, got: %v", errs.Err())
	}
	if err := wf.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestIsValid_CycleDetected(t *testing.T) {
	wf := New("cycle")
	a := mustFuncNode(t, wf, "a")
	b := mustFuncNode(t, wf, "b")
	mustConnect(t, wf, flowOut(a), flowIn(b))
	mustConnect(t, wf, flowOut(b), flowIn(a))

	errs := wf.IsValid()
	if diff := cmp.Diff([]ErrorKind{KindCycleDetected}, kinds(errs)); diff != "" {
		t.Errorf("unexpected errors (-want +got):\n%s", diff)
	}

	cycle := wf.Cycle()
	if len(cycle) != 3 || cycle[0] != cycle[2] {
		t.Errorf("Expected a closed two-node cycle, got %v", cycle)
	}
	if _, err := wf.Levels(); !errors.Is(err, Error{Kind: KindCycleDetected}) {
		t.Errorf("Levels() error = %v, want CycleDetected", err)
	}
}

func TestIsValid_NotConnectedGraph(t *testing.T) {
	wf := New("islands")
	mustPrimitive(t, wf, types.IntegerType, types.Integer(1))
	mustPrimitive(t, wf, types.IntegerType, types.Integer(2))

	errs := wf.IsValid()
	if diff := cmp.Diff([]ErrorKind{KindNotConnectedGraph}, kinds(errs)); diff != "" {
		t.Errorf("unexpected errors (-want +got):\n%s", diff)
	}
}

func TestIsValid_InputNotConnectedCollectsAll(t *testing.T) {
	wf := New("missing inputs")
	p := mustPrimitive(t, wf, types.StringType, types.String("data.txt"))
	f := mustFuncNode(t, wf, "f")
	a := mustInput(t, f, "a", types.StringType, false)
	missingB := mustInput(t, f, "b", types.IntegerType, false)
	missingC := mustInput(t, f, "c", types.IntegerType, false)
	mustInput(t, f, "d", types.IntegerType, true)
	mustConnect(t, wf, primitiveOut(p), a)

	errs := wf.IsValid()
	want := []Error{NewInputNotConnected(missingB.Ref()), NewInputNotConnected(missingC.Ref())}
	if diff := cmp.Diff(want, errs.List()); diff != "" {
		t.Errorf("unexpected errors (-want +got):\n%s", diff)
	}
}

func TestIsValid_IncompatibleTypesReportedLast(t *testing.T) {
	wf := New("types")
	p := mustPrimitive(t, wf, types.IntegerType, types.Integer(3))
	f := mustFuncNode(t, wf, "f")
	in := mustInput(t, f, "text", types.StringType, false)
	mustConnect(t, wf, primitiveOut(p), in)

	errs := wf.IsValid()
	want := []Error{NewIncompatibleTypes(in.Ref(), primitiveOut(p).Ref())}
	if diff := cmp.Diff(want, errs.List()); diff != "" {
		t.Errorf("unexpected errors (-want +got):\n%s", diff)
	}

	// A missing input hides the type error until it is fixed.
	missing := mustInput(t, f, "other", types.IntegerType, false)
	errs = wf.IsValid()
	if !errs.Has(KindInputNotConnected) || errs.Has(KindIncompatibleTypes) {
		t.Errorf("Expected only InputNotConnected, got %v", kinds(errs))
	}

	if err := f.RemoveInput(missing); err != nil {
		t.Fatalf("RemoveInput failed: %v", err)
	}
	if err := in.SetType(types.ObjectType); err != nil {
		t.Fatalf("SetType failed: %v", err)
	}
	if errs := wf.IsValid(); !errs.Empty() {
		t.Errorf("Expected Object input to accept Integer, got %v", errs.Err())
	}
}

func TestConnect_Rules(t *testing.T) {
	wf := New("connect")
	a := mustFuncNode(t, wf, "a")
	b := mustFuncNode(t, wf, "b")
	c := mustFuncNode(t, wf, "c")

	if err := wf.Connect(flowOut(a), flowIn(a)); !errors.Is(err, ErrSameNode) {
		t.Errorf("Expected ErrSameNode, got %v", err)
	}

	mustConnect(t, wf, flowOut(a), flowIn(c))
	if err := wf.Connect(flowOut(a), flowIn(c)); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}

	// Connecting another output replaces the existing connection.
	mustConnect(t, wf, flowOut(b), flowIn(c))
	src, ok := flowIn(c).ConnectedTo()
	if !ok || src != flowOut(b) {
		t.Errorf("Expected c.in to be fed by b.out, got %v", src)
	}
	if got := flowOut(a).ConnectedTo(); len(got) != 0 {
		t.Errorf("Expected a.out to be disconnected, still feeds %d inputs", len(got))
	}
	if got := flowOut(b).ConnectedTo(); len(got) != 1 || got[0] != flowIn(c) {
		t.Errorf("Expected b.out to feed exactly c.in")
	}

	wf.Disconnect(flowIn(c))
	wf.Disconnect(flowIn(c))
	if flowIn(c).IsConnected() || len(flowOut(b).ConnectedTo()) != 0 {
		t.Error("Expected both sides to be disconnected")
	}

	other := New("other")
	d := mustFuncNode(t, other, "d")
	if err := wf.Connect(flowOut(a), flowIn(d)); !errors.Is(err, ErrForeignConnector) {
		t.Errorf("Expected ErrForeignConnector, got %v", err)
	}
}

func TestRemoveNode_DisconnectsEverything(t *testing.T) {
	wf := New("remove")
	a := mustFuncNode(t, wf, "a")
	b := mustFuncNode(t, wf, "b")
	c := mustFuncNode(t, wf, "c")
	mustConnect(t, wf, flowOut(a), flowIn(b))
	mustConnect(t, wf, flowOut(b), flowIn(c))

	if !wf.RemoveNode(b) {
		t.Fatal("Expected RemoveNode to succeed")
	}
	if wf.RemoveNode(b) {
		t.Error("Expected a second RemoveNode to report false")
	}
	if len(flowOut(a).ConnectedTo()) != 0 || flowIn(c).IsConnected() {
		t.Error("Expected neighbours to be disconnected")
	}
	if wf.Len() != 2 {
		t.Errorf("Expected 2 nodes, got %d", wf.Len())
	}

	// Ids are never reused.
	d := mustFuncNode(t, wf, "d")
	if d.ID() != 4 {
		t.Errorf("Expected id 4, got %d", d.ID())
	}
}

func TestNodeIDs(t *testing.T) {
	wf := New("ids")
	first := mustFuncNode(t, wf, "first")
	if first.ID() != 1 {
		t.Errorf("Expected first id 1, got %d", first.ID())
	}

	n, err := wf.CreateFuncNode(nopFunc, WithID(10))
	if err != nil {
		t.Fatalf("CreateFuncNode failed: %v", err)
	}
	if n.ID() != 10 || n.Name() != "func-10" {
		t.Errorf("Expected node 10 named func-10, got %d %q", n.ID(), n.Name())
	}
	if _, err := wf.CreateFuncNode(nopFunc, WithID(10)); !errors.Is(err, ErrNodeIDTaken) {
		t.Errorf("Expected ErrNodeIDTaken, got %v", err)
	}
	if next := mustFuncNode(t, wf, "next"); next.ID() != 11 {
		t.Errorf("Expected id 11, got %d", next.ID())
	}
}

func TestConnectorEditing(t *testing.T) {
	wf := New("editing")
	f := mustFuncNode(t, wf, "f")
	a := mustInput(t, f, "a", types.IntegerType, false)
	mustInput(t, f, "b", types.IntegerType, false)

	if _, err := f.AddInput("a", types.StringType, false); !errors.Is(err, Error{Kind: KindNameAlreadyUsed}) {
		t.Errorf("Expected NameAlreadyUsed, got %v", err)
	}
	if err := a.SetName("b"); !errors.Is(err, Error{Kind: KindNameAlreadyUsed}) {
		t.Errorf("Expected NameAlreadyUsed on rename, got %v", err)
	}
	if err := a.SetName("a"); err != nil {
		t.Errorf("Renaming to the same name should succeed, got %v", err)
	}

	// Inputs and outputs have separate namespaces.
	if _, err := f.AddOutput("a", types.IntegerType); err != nil {
		t.Errorf("Expected output a to be allowed, got %v", err)
	}

	if err := flowIn(f).SetName("x"); !errors.Is(err, Error{Kind: KindUnmodifiableConnector}) {
		t.Errorf("Expected UnmodifiableConnector, got %v", err)
	}
	if err := flowIn(f).SetOptional(false); !errors.Is(err, Error{Kind: KindUnmodifiableConnector}) {
		t.Errorf("Expected UnmodifiableConnector for SetOptional, got %v", err)
	}
	if err := f.RemoveOutput(flowOut(f)); !errors.Is(err, Error{Kind: KindUnmodifiableConnector}) {
		t.Errorf("Expected UnmodifiableConnector on remove, got %v", err)
	}
	if _, err := f.AddInput("bad", types.Collection{Elem: types.FileType}, false); !errors.Is(err, types.ErrInvalidType) {
		t.Errorf("Expected ErrInvalidType, got %v", err)
	}

	file, err := wf.CreateFileNode()
	if err != nil {
		t.Fatalf("CreateFileNode failed: %v", err)
	}
	if _, err := file.AddInput("extra", types.StringType, false); !errors.Is(err, ErrNodeNotModifiable) {
		t.Errorf("Expected ErrNodeNotModifiable, got %v", err)
	}
	in, _ := file.InputByName(FilePathInput)
	if err := in.SetType(types.IntegerType); !errors.Is(err, Error{Kind: KindUnmodifiableConnector}) {
		t.Errorf("Expected UnmodifiableConnector on file input, got %v", err)
	}
}

func TestNodeAttributes(t *testing.T) {
	wf := New("attributes")
	f := mustFuncNode(t, wf, "f")

	if f.Timeout() != DefaultTimeout {
		t.Errorf("Expected default timeout, got %v", f.Timeout())
	}
	if f.IsDeterministic() {
		t.Error("Func nodes should not be deterministic by default")
	}
	if err := f.SetTimeout(0); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("Expected ErrInvalidTimeout, got %v", err)
	}
	if err := f.SetTimeout(time.Second); err != nil || f.Timeout() != time.Second {
		t.Errorf("SetTimeout failed: %v", err)
	}

	p := mustPrimitive(t, wf, types.IntegerType, types.Integer(7))
	if !p.IsDeterministic() {
		t.Error("Primitive nodes should be deterministic")
	}
	if err := p.SetValue(types.String("seven")); !errors.Is(err, Error{Kind: KindWrongType}) {
		t.Errorf("Expected WrongType, got %v", err)
	}
	if v, _ := p.Value(); v != types.Integer(7) {
		t.Errorf("Expected value to stay 7, got %v", v)
	}
	c := mustPrimitive(t, wf, types.CharacterType, types.Character('a'))
	if err := c.SetValue(types.Character(0xD800)); !errors.Is(err, ErrInvalidCharacter) {
		t.Errorf("Expected ErrInvalidCharacter, got %v", err)
	}
	if v, _ := c.Value(); v != types.Character('a') {
		t.Errorf("Expected value to stay 'a', got %v", v)
	}
	if _, err := f.Value(); !errors.Is(err, ErrWrongNodeKind) {
		t.Errorf("Expected ErrWrongNodeKind, got %v", err)
	}

	slow := New("slow", WithDefaultTimeout(time.Minute))
	if n := mustFuncNode(t, slow, "g"); n.Timeout() != time.Minute {
		t.Errorf("Expected the workflow default timeout, got %v", n.Timeout())
	}
	if n, _ := slow.CreateFuncNode(nopFunc, WithTimeout(time.Second)); n.Timeout() != time.Second {
		t.Errorf("Expected WithTimeout to win, got %v", n.Timeout())
	}
}

func TestRevisionTracksDefinition(t *testing.T) {
	wf := New("revision")
	code, err := wf.CreateCodeNode("outputs['x'] = 1")
	if err != nil {
		t.Fatalf("CreateCodeNode failed: %v", err)
	}

	before := code.Revision()
	if code.Revision() != before {
		t.Fatal("Revision must be stable")
	}
	if err := code.SetSource("outputs['x'] = 2"); err != nil {
		t.Fatal(err)
	}
	afterSource := code.Revision()
	if afterSource == before {
		t.Error("Revision should change with the source")
	}
	if _, err := code.AddOutput("x", types.IntegerType); err != nil {
		t.Fatal(err)
	}
	if code.Revision() == afterSource {
		t.Error("Revision should change with the connectors")
	}

	code.SetName("renamed")
	if err := code.SetTimeout(time.Minute); err != nil {
		t.Fatal(err)
	}
	rev := code.Revision()
	code.SetName("again")
	if code.Revision() != rev {
		t.Error("Revision should not depend on the display name")
	}
}

type recordingObserver struct {
	modified []NodeID
	removed  []NodeID
}

func (r *recordingObserver) NodeModified(n *Node) { r.modified = append(r.modified, n.ID()) }
func (r *recordingObserver) NodeRemoved(id NodeID) { r.removed = append(r.removed, id) }

func TestObserversNotified(t *testing.T) {
	wf := New("observers")
	obs := &recordingObserver{}
	wf.AddObserver(obs)

	p := mustPrimitive(t, wf, types.IntegerType, types.Integer(1))
	if diff := cmp.Diff([]NodeID{p.ID()}, obs.modified); diff != "" {
		t.Errorf("unexpected notifications (-want +got):\n%s", diff)
	}

	// Setting the same value again is not a change.
	if err := p.SetValue(types.Integer(1)); err != nil {
		t.Fatal(err)
	}
	if len(obs.modified) != 1 {
		t.Errorf("Expected no new notification, got %v", obs.modified)
	}

	wf.RemoveNode(p)
	if diff := cmp.Diff([]NodeID{p.ID()}, obs.removed); diff != "" {
		t.Errorf("unexpected removals (-want +got):\n%s", diff)
	}

	wf.RemoveObserver(obs)
	mustPrimitive(t, wf, types.IntegerType, types.Integer(2))
	if len(obs.modified) != 1 {
		t.Errorf("Expected no notification after RemoveObserver, got %v", obs.modified)
	}
}

func TestLevelsAndDOT(t *testing.T) {
	wf := New("diamond")
	a := mustFuncNode(t, wf, "a")
	b := mustFuncNode(t, wf, "b")
	c := mustFuncNode(t, wf, "c")
	d := mustFuncNode(t, wf, "d")
	dIn2 := mustInput(t, d, "second", types.FlowType, false)
	mustConnect(t, wf, flowOut(a), flowIn(b))
	mustConnect(t, wf, flowOut(a), flowIn(c))
	mustConnect(t, wf, flowOut(b), flowIn(d))
	mustConnect(t, wf, flowOut(c), dIn2)

	levels, err := wf.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	want := [][]NodeID{{a.ID()}, {b.ID(), c.ID()}, {d.ID()}}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Errorf("unexpected levels (-want +got):\n%s", diff)
	}

	dot := wf.ToDOT()
	if !strings.Contains(dot, "cluster_level_2") || !strings.Contains(dot, `"1" -> "2"`) {
		t.Errorf("unexpected DOT output:\n%s", dot)
	}
}

func TestFileNodeExecute(t *testing.T) {
	root := t.TempDir()
	wf := New("files", WithFilesRoot(root))
	file, err := wf.CreateFileNode()
	if err != nil {
		t.Fatal(err)
	}

	out, err := file.Execute(context.Background(), Arguments{FilePathInput: types.String("dir/../a.txt")}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := types.FileRef{Root: root, Path: "a.txt"}
	if out[FileOutput] != want {
		t.Errorf("Expected %v, got %v", want, out[FileOutput])
	}

	if _, err := file.Execute(context.Background(), Arguments{FilePathInput: types.String("../escape")}, nil); err == nil {
		t.Error("Expected an error for a path outside the root")
	}
	if _, err := file.Execute(context.Background(), Arguments{}, nil); err == nil {
		t.Error("Expected an error without a path")
	}
}

func TestCodeNodeWithoutRuntime(t *testing.T) {
	wf := New("code")
	code, err := wf.CreateCodeNode("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := code.Execute(context.Background(), Arguments{}, nil); !errors.Is(err, ErrNoScriptRuntime) {
		t.Errorf("Expected ErrNoScriptRuntime, got %v", err)
	}
}

func TestErrorsSet(t *testing.T) {
	errs := NewErrors(NewEmptyGraph(), NewEmptyGraph())
	errs.Add(NewFailedExecution(1, ""))
	if errs.Len() != 2 {
		t.Fatalf("Expected duplicates to collapse, got %d", errs.Len())
	}
	if !errs.Contains(NewFailedExecution(1, "unknown error")) {
		t.Error("Expected an empty reason to become unknown error")
	}

	other := NewErrors(NewExecutionTimeout(2), NewEmptyGraph())
	errs.Merge(other)
	errs.Merge(errs)
	if diff := cmp.Diff([]ErrorKind{KindEmptyGraph, KindFailedExecution, KindExecutionTimeout}, kinds(errs)); diff != "" {
		t.Errorf("unexpected merge result (-want +got):\n%s", diff)
	}
	if !errors.Is(errs.Err(), Error{Kind: KindExecutionTimeout}) {
		t.Error("Expected the joined error to match ExecutionTimeout")
	}

	errs.Clear()
	if !errs.Empty() || errs.Err() != nil {
		t.Error("Expected Clear to empty the set")
	}
}
