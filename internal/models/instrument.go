package models

import "fmt"

// Symbol is a futures base instrument symbol (not a dated contract like ESH6).
type Symbol string

// Supported base instruments.
const (
	SymbolES  Symbol = "ES"
	SymbolNQ  Symbol = "NQ"
	SymbolYM  Symbol = "YM"
	SymbolRTY Symbol = "RTY"
	SymbolCL  Symbol = "CL"
	SymbolGC  Symbol = "GC"
	SymbolSI  Symbol = "SI"
)

// Instrument carries the contract constants needed for price and risk math.
type Instrument struct {
	Symbol       Symbol
	ContractSize float64
	TickSize     float64
	TickValue    float64
}

// PointValue returns the dollar value of a one-point move per contract.
func (i Instrument) PointValue() float64 {
	if i.TickSize == 0 {
		return 0
	}
	return i.TickValue / i.TickSize
}

// instrumentTable holds the exchange constants for every supported symbol.
var instrumentTable = map[Symbol]Instrument{
	SymbolES:  {Symbol: SymbolES, ContractSize: 1, TickSize: 0.25, TickValue: 12.50},
	SymbolNQ:  {Symbol: SymbolNQ, ContractSize: 1, TickSize: 0.25, TickValue: 5.00},
	SymbolYM:  {Symbol: SymbolYM, ContractSize: 1, TickSize: 1.00, TickValue: 5.00},
	SymbolRTY: {Symbol: SymbolRTY, ContractSize: 1, TickSize: 0.10, TickValue: 5.00},
	SymbolCL:  {Symbol: SymbolCL, ContractSize: 1, TickSize: 0.01, TickValue: 10.00},
	SymbolGC:  {Symbol: SymbolGC, ContractSize: 1, TickSize: 0.10, TickValue: 10.00},
	SymbolSI:  {Symbol: SymbolSI, ContractSize: 1, TickSize: 0.005, TickValue: 25.00},
}

// InstrumentFor looks up the contract constants for a base symbol.
func InstrumentFor(sym Symbol) (Instrument, error) {
	inst, ok := instrumentTable[sym]
	if !ok {
		return Instrument{}, fmt.Errorf("unknown instrument: %s", sym)
	}
	return inst, nil
}

// SupportedSymbols returns the set of tradable base symbols.
func SupportedSymbols() []Symbol {
	return []Symbol{SymbolES, SymbolNQ, SymbolYM, SymbolRTY, SymbolCL, SymbolGC, SymbolSI}
}

// IsSupportedSymbol reports whether sym is a known base instrument.
func IsSupportedSymbol(sym Symbol) bool {
	_, ok := instrumentTable[sym]
	return ok
}
