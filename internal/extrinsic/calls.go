package extrinsic

// Call values produced by the default registry.

type TransferCall struct {
	Dest  string `json:"dest"`
	Value uint64 `json:"value"`
}

type BondCall struct {
	Controller string `json:"controller"`
	Value      uint64 `json:"value"`
	Payee      string `json:"payee"`
}

type ValueCall struct {
	Value uint64 `json:"value"`
}

type NominateCall struct {
	Targets []string `json:"targets"`
}

type ValidateCall struct {
	// Commission in parts per billion.
	Commission uint64 `json:"commission"`
}

type ControllerCall struct {
	Controller string `json:"controller"`
}

type EmptyCall struct{}

type PutCodeCall struct {
	GasLimit uint64 `json:"gasLimit"`
	Code     []byte `json:"code"`
}

type InstantiateCall struct {
	Endowment uint64 `json:"endowment"`
	GasLimit  uint64 `json:"gasLimit"`
	CodeHash  []byte `json:"codeHash"`
	Data      []byte `json:"data"`
}

type ContractCall struct {
	Dest     string `json:"dest"`
	Value    uint64 `json:"value"`
	GasLimit uint64 `json:"gasLimit"`
	Data     []byte `json:"data"`
}

var payees = map[string]bool{"Staked": true, "Stash": true, "Controller": true}

const maxCommission = 1_000_000_000

func buildTransfer(args Args) (any, error) {
	if err := args.Expect(2); err != nil {
		return nil, err
	}
	dest, err := args.String(0, "dest")
	if err != nil {
		return nil, err
	}
	value, err := args.Uint64(1, "value")
	if err != nil {
		return nil, err
	}
	return TransferCall{Dest: dest, Value: value}, nil
}

func buildBond(args Args) (any, error) {
	if err := args.Expect(3); err != nil {
		return nil, err
	}
	controller, err := args.String(0, "controller")
	if err != nil {
		return nil, err
	}
	value, err := args.Uint64(1, "value")
	if err != nil {
		return nil, err
	}
	payee, err := args.String(2, "payee")
	if err != nil {
		return nil, err
	}
	if !payees[payee] {
		return nil, argError(2, "payee", "unknown reward destination %q", payee)
	}
	return BondCall{Controller: controller, Value: value, Payee: payee}, nil
}

func buildValue(args Args) (any, error) {
	if err := args.Expect(1); err != nil {
		return nil, err
	}
	value, err := args.Uint64(0, "value")
	if err != nil {
		return nil, err
	}
	return ValueCall{Value: value}, nil
}

func buildNominate(args Args) (any, error) {
	if err := args.Expect(1); err != nil {
		return nil, err
	}
	targets, err := args.Strings(0, "targets")
	if err != nil {
		return nil, err
	}
	return NominateCall{Targets: targets}, nil
}

func buildValidate(args Args) (any, error) {
	if err := args.Expect(1); err != nil {
		return nil, err
	}
	commission, err := args.Uint64(0, "commission")
	if err != nil {
		return nil, err
	}
	if commission > maxCommission {
		return nil, argError(0, "commission", "%d exceeds %d", commission, maxCommission)
	}
	return ValidateCall{Commission: commission}, nil
}

func buildSetController(args Args) (any, error) {
	if err := args.Expect(1); err != nil {
		return nil, err
	}
	controller, err := args.String(0, "controller")
	if err != nil {
		return nil, err
	}
	return ControllerCall{Controller: controller}, nil
}

func buildChill(args Args) (any, error) {
	if err := args.Expect(0); err != nil {
		return nil, err
	}
	return EmptyCall{}, nil
}

func buildPutCode(args Args) (any, error) {
	if err := args.Expect(2); err != nil {
		return nil, err
	}
	gas, err := args.Uint64(0, "gasLimit")
	if err != nil {
		return nil, err
	}
	code, err := args.Bytes(1, "code")
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, argError(1, "code", "is empty")
	}
	return PutCodeCall{GasLimit: gas, Code: code}, nil
}

func buildInstantiate(args Args) (any, error) {
	if err := args.Expect(4); err != nil {
		return nil, err
	}
	endowment, err := args.Uint64(0, "endowment")
	if err != nil {
		return nil, err
	}
	gas, err := args.Uint64(1, "gasLimit")
	if err != nil {
		return nil, err
	}
	codeHash, err := args.Bytes(2, "codeHash")
	if err != nil {
		return nil, err
	}
	if len(codeHash) != 32 {
		return nil, argError(2, "codeHash", "expected 32 bytes, got %d", len(codeHash))
	}
	data, err := args.Bytes(3, "data")
	if err != nil {
		return nil, err
	}
	return InstantiateCall{Endowment: endowment, GasLimit: gas, CodeHash: codeHash, Data: data}, nil
}

func buildContractCall(args Args) (any, error) {
	if err := args.Expect(4); err != nil {
		return nil, err
	}
	dest, err := args.String(0, "dest")
	if err != nil {
		return nil, err
	}
	value, err := args.Uint64(1, "value")
	if err != nil {
		return nil, err
	}
	gas, err := args.Uint64(2, "gasLimit")
	if err != nil {
		return nil, err
	}
	data, err := args.Bytes(3, "data")
	if err != nil {
		return nil, err
	}
	return ContractCall{Dest: dest, Value: value, GasLimit: gas, Data: data}, nil
}

// DefaultRegistry returns a registry with the balances, staking and
// contracts calls.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for name, b := range map[string]Builder{
		"balances.transfer":          buildTransfer,
		"balances.transferKeepAlive": buildTransfer,
		"staking.bond":               buildBond,
		"staking.bondExtra":          buildValue,
		"staking.unbond":             buildValue,
		"staking.nominate":           buildNominate,
		"staking.validate":           buildValidate,
		"staking.chill":              buildChill,
		"staking.setController":      buildSetController,
		"contracts.putCode":          buildPutCode,
		"contracts.instantiate":      buildInstantiate,
		"contracts.call":             buildContractCall,
	} {
		r.MustRegister(name, b)
	}
	return r
}

