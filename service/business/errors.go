package business

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrorInitializationFail = status.Error(codes.Internal, "Internal configuration is invalid")

	ErrorInvalidPaymentRequest = status.Error(codes.InvalidArgument, "Invalid payment request")

	ErrorInvalidPhoneNumber = status.Error(codes.InvalidArgument, "Phone number is not valid for mobile money payments")

	ErrorInvalidAmount = status.Error(codes.InvalidArgument, "Amount is not valid for mobile money payments")

	ErrorPaymentDoesNotExist = status.Error(codes.NotFound, "Specified payment does not exist")

	ErrorPaymentAlreadyProcessed = status.Error(codes.FailedPrecondition, "Specified payment has already been processed")

	ErrorPaymentNotCancellable = status.Error(codes.FailedPrecondition, "Specified payment is not awaiting confirmation")

	ErrorPaymentNotVerifiable = status.Error(codes.FailedPrecondition, "Specified payment is not pending verification")

	ErrorInvalidReceiptCode = status.Error(codes.InvalidArgument, "Receipt code does not look like a provider receipt")

	ErrorAmountMismatch = status.Error(codes.FailedPrecondition, "Receipt amount does not match the sale amount")

	ErrorRoleNotAllowed = status.Error(codes.PermissionDenied, "Operator role is not allowed to force verify payments")

	ErrorVerifyReasonRequired = status.Error(codes.InvalidArgument, "A reason is required to force verify a payment")

	ErrorUnclaimedAlreadyResolved = status.Error(codes.FailedPrecondition, "Specified unclaimed payment has already been resolved")
)
