package domain

// Calculation state markers written by the pipeline stages
const (
	CalculationStateEtmProcessed = "etmProcessed"
)

// ResultFileName is the object name of the curve archive inside a job's bucket folder
const ResultFileName = "etm_result.tar.gz"

// CurveKind identifies one of the curve categories produced by the scenario API
type CurveKind string

// Curve categories, in the order they are fetched and archived
const (
	CurveMeritOrder CurveKind = "merit_order"
	CurveNetworkGas CurveKind = "network_gas"
	CurveHydrogen   CurveKind = "hydrogen"
)

// CurveKinds returns the curve categories in archive order
func CurveKinds() []CurveKind {
	return []CurveKind{CurveMeritOrder, CurveNetworkGas, CurveHydrogen}
}
