// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/k61n/openhkl-sub006/coreprogress"
)

// ErrBadFit is returned when the Levenberg-Marquardt iteration
// diverges or a dimension check fails. Callers at cell/state scope
// translate it into a plain false return, never a panic.
var ErrBadFit = errors.New("lsq: bad fit")

// ErrCancelled is returned when Options.Progress requests cancellation
// mid-fit. The caller's best-effort partial state is discarded; Fit
// returns no Result alongside this error.
var ErrCancelled = errors.New("lsq: fit cancelled")

// Options controls Levenberg-Marquardt convergence via three
// independent stopping tests.
type Options struct {
	XTol    float64 // relative change in parameters
	FTol    float64 // relative change in cost
	GTol    float64 // infinity norm of the (weighted) gradient
	MaxIter int

	// Progress, if non-nil, is called once per LM iteration with the
	// current and maximum iteration count. Returning true aborts the
	// fit with ErrCancelled before the next iteration starts.
	Progress coreprogress.Func
}

// DefaultOptions returns 1e-7 tolerances and a generous iteration
// budget.
func DefaultOptions() Options {
	return Options{XTol: 1e-7, FTol: 1e-7, GTol: 1e-7, MaxIter: 200}
}

// Problem is the caller-supplied residual (and optional Jacobian)
// function over the free parameter vector p0, plus per-residual
// weights. Residual and Jacobian must be pure functions of p0 — the LM
// loop evaluates them repeatedly while searching for a step.
type Problem struct {
	NFree    int
	Residual func(p0 []float64) []float64
	Jacobian func(p0 []float64) *mat.Dense // m x NFree; nil => central differences
	Weights  []float64                    // length m, per-residual weight; nil => all 1
}

// Result is the outcome of a converged (or failed) LM fit.
type Result struct {
	P0         []float64
	Cost       float64 // sum(w_i * r_i^2)
	Iterations int
	Converged  bool
	Jacobian   *mat.Dense // weighted Jacobian at the solution, m x NFree
}

// Fit runs Levenberg-Marquardt from p0Init to minimise the weighted sum
// of squared residuals, returning ErrBadFit on divergence or a
// dimension mismatch.
func Fit(p0Init []float64, prob Problem, opts Options) (*Result, error) {
	n := prob.NFree
	if len(p0Init) != n {
		return nil, fmt.Errorf("%w: initial vector has %d entries, want %d", ErrBadFit, len(p0Init), n)
	}
	p0 := append([]float64(nil), p0Init...)

	r0 := prob.Residual(p0)
	m := len(r0)
	w := prob.Weights
	if w == nil {
		w = onesVec(m)
	} else if len(w) != m {
		return nil, fmt.Errorf("%w: %d weights, want %d", ErrBadFit, len(w), m)
	}

	cost := weightedSSQ(r0, w)
	lambda := 1e-3

	jacFn := prob.Jacobian
	if jacFn == nil {
		jacFn = func(p []float64) *mat.Dense { return centralDiffJacobian(prob.Residual, p) }
	}

	var J *mat.Dense
	converged := false
	iter := 0
	for ; iter < opts.MaxIter; iter++ {
		if coreprogress.Cancelled(opts.Progress, iter, opts.MaxIter) {
			return nil, ErrCancelled
		}
		J = jacFn(p0)
		jr, jc := J.Dims()
		if jr != m || jc != n {
			return nil, fmt.Errorf("%w: jacobian has shape %dx%d, want %dx%d", ErrBadFit, jr, jc, m, n)
		}
		Wj, Wr := weightJacobianAndResidual(J, r0, w)

		var JtJ, grad mat.Dense
		JtJ.Mul(Wj.T(), Wj)
		grad.Mul(Wj.T(), matColFromVec(Wr))

		gnorm := 0.0
		for i := 0; i < n; i++ {
			if a := math.Abs(grad.At(i, 0)); a > gnorm {
				gnorm = a
			}
		}
		if gnorm < opts.GTol {
			converged = true
			break
		}

		// Damp: (JtJ + lambda*diag(JtJ)) delta = -grad
		accepted := false
		for tries := 0; tries < 30; tries++ {
			A := mat.NewDense(n, n, nil)
			A.CloneFrom(&JtJ)
			for i := 0; i < n; i++ {
				A.Set(i, i, A.At(i, i)*(1+lambda))
			}
			var negGrad mat.Dense
			negGrad.Scale(-1, &grad)

			var delta mat.Dense
			if err := delta.Solve(A, &negGrad); err != nil {
				lambda *= 10
				continue
			}

			pNew := make([]float64, n)
			xnorm, dnorm := 0.0, 0.0
			for i := 0; i < n; i++ {
				d := delta.At(i, 0)
				pNew[i] = p0[i] + d
				xnorm += p0[i] * p0[i]
				dnorm += d * d
			}
			rNew := prob.Residual(pNew)
			costNew := weightedSSQ(rNew, w)

			if costNew < cost || costNew == 0 {
				relF := math.Abs(cost-costNew) / math.Max(1e-300, cost)
				relX := math.Sqrt(dnorm) / math.Max(1e-300, math.Sqrt(xnorm))
				p0 = pNew
				r0 = rNew
				cost = costNew
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				if relF < opts.FTol || relX < opts.XTol {
					converged = true
				}
				break
			}
			lambda *= 10
			if lambda > 1e12 {
				break
			}
		}
		if !accepted {
			return nil, fmt.Errorf("%w: no accepted step at iteration %d", ErrBadFit, iter)
		}
		if converged {
			break
		}
	}

	J = jacFn(p0)
	Wj, _ := weightJacobianAndResidual(J, r0, w)
	return &Result{P0: p0, Cost: cost, Iterations: iter, Converged: converged, Jacobian: Wj}, nil
}

// Covariance computes cov = K (Ĵᵀ Ĵ)⁻¹ Kᵀ, where weightedJacobian is
// the Jacobian returned in Result (already weight-scaled) and kernel
// is the constraint kernel the free vector was fit under (pass a
// full-rank identity Kernel when there is no constraint).
func Covariance(kernel *Kernel, weightedJacobian *mat.Dense) (*mat.Dense, error) {
	_, n := weightedJacobian.Dims()
	if n != kernel.NFree() {
		return nil, fmt.Errorf("%w: jacobian has %d free columns, kernel has %d", ErrBadFit, n, kernel.NFree())
	}
	var JtJ mat.Dense
	JtJ.Mul(weightedJacobian.T(), weightedJacobian)

	var inv mat.Dense
	if err := inv.Inverse(&JtJ); err != nil {
		return nil, fmt.Errorf("%w: JtJ is singular: %v", ErrBadFit, err)
	}

	var tmp mat.Dense
	tmp.Mul(kernel.Matrix(), &inv)
	var cov mat.Dense
	cov.Mul(&tmp, kernel.Matrix().T())
	return &cov, nil
}

func onesVec(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func weightedSSQ(r, w []float64) float64 {
	var s float64
	for i, ri := range r {
		s += w[i] * ri * ri
	}
	return s
}

// weightJacobianAndResidual scales each row i of J and entry of r by
// sqrt(w_i), turning weighted LSQ into ordinary LSQ in the scaled space.
func weightJacobianAndResidual(J *mat.Dense, r, w []float64) (*mat.Dense, []float64) {
	m, n := J.Dims()
	Wj := mat.NewDense(m, n, nil)
	Wr := make([]float64, m)
	for i := 0; i < m; i++ {
		sw := math.Sqrt(w[i])
		for j := 0; j < n; j++ {
			Wj.Set(i, j, sw*J.At(i, j))
		}
		Wr[i] = sw * r[i]
	}
	return Wj, Wr
}

func matColFromVec(v []float64) *mat.Dense {
	return mat.NewDense(len(v), 1, v)
}

// centralDiffJacobian computes a numerical Jacobian by central
// differences, used here as the default Jacobian provider rather than
// just a test-time cross-check.
func centralDiffJacobian(residual func([]float64) []float64, p []float64) *mat.Dense {
	n := len(p)
	r0 := residual(p)
	m := len(r0)
	J := mat.NewDense(m, n, nil)
	h := 1e-6
	pert := append([]float64(nil), p...)
	for j := 0; j < n; j++ {
		step := h * math.Max(1, math.Abs(p[j]))
		pert[j] = p[j] + step
		rPlus := residual(pert)
		pert[j] = p[j] - step
		rMinus := residual(pert)
		pert[j] = p[j]
		for i := 0; i < m; i++ {
			J.Set(i, j, (rPlus[i]-rMinus[i])/(2*step))
		}
	}
	return J
}
